package protocol

import "github.com/loqalabs/loqa-gateway/internal/eventbus"

// Subject suffixes below the configured prefix.
const (
	SubjectQuery        = "query"
	SubjectVFX          = "vfx"
	SubjectEventsPrefix = "events"
)

// QuerySubject is the request subject answering remote queries.
func QuerySubject(prefix string) string { return prefix + "." + SubjectQuery }

// VFXSubject triggers a visual effect on primary clients.
func VFXSubject(prefix string) string { return prefix + "." + SubjectVFX }

// EventSubject mirrors one bus channel, e.g. gateway.events.text-response.
func EventSubject(prefix string, channel eventbus.Channel) string {
	return prefix + "." + SubjectEventsPrefix + "." + string(channel)
}
