package orchestrator

import "math/rand/v2"

const (
	queryIDLength   = 8
	queryIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewQueryID returns a random 8-character uppercase alphanumeric token.
// Ids correlate events; they are not secrets.
func NewQueryID() string {
	b := make([]byte, queryIDLength)
	for i := range b {
		b[i] = queryIDAlphabet[rand.IntN(len(queryIDAlphabet))]
	}
	return string(b)
}
