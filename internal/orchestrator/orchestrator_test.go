package orchestrator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/chat"
	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/eventbus"
	"github.com/loqalabs/loqa-gateway/internal/llm"
	"github.com/loqalabs/loqa-gateway/internal/tts"
)

type captured struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *captured) HandleEvent(_ context.Context, evt eventbus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captured) all() []eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]eventbus.Event(nil), c.events...)
}

func (c *captured) on(channel eventbus.Channel) []eventbus.Event {
	var out []eventbus.Event
	for _, evt := range c.all() {
		if evt.Channel == channel {
			out = append(out, evt)
		}
	}
	return out
}

func (c *captured) subscribe(bus *eventbus.Bus, channels ...eventbus.Channel) {
	for _, ch := range channels {
		bus.Subscribe(ch, c)
	}
}

// scriptedSynth emits chunksPer chunks per call. Each chunk's single sample
// is callIndex*10 + chunkIndex.
type scriptedSynth struct {
	chunksPer int
	fail      map[string]error
	gate      map[string]chan struct{}
	started   chan string

	mu    sync.Mutex
	calls []string
}

func (s *scriptedSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, req.Text)
	gate := s.gate[req.Text]
	failErr := s.fail[req.Text]
	s.mu.Unlock()
	if s.started != nil {
		s.started <- req.Text
	}

	chunks := make(chan tts.SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if gate != nil {
			<-gate
		}
		if failErr != nil {
			errs <- failErr
			return
		}
		for c := 0; c < s.chunksPer; c++ {
			pcm := make([]byte, 2)
			binary.LittleEndian.PutUint16(pcm, uint16(idx*10+c))
			select {
			case chunks <- tts.SynthChunk{SampleRate: 16000, Channels: 1, PCM: pcm, Final: c == s.chunksPer-1}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errs
}

func (s *scriptedSynth) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, llm.Request) (string, error) {
	return "", &llm.BackendError{Op: "generate", Err: errors.New("connection refused")}
}

type promptRecorder struct {
	prompts []string
}

func (p *promptRecorder) Generate(_ context.Context, req llm.Request) (string, error) {
	p.prompts = append(p.prompts, req.Prompt)
	return "Answer.", nil
}

// gatedGenerator blocks the first call until release is closed and answers
// every query with a numbered reply.
type gatedGenerator struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	calls   int
	prompts []string
}

func (g *gatedGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.prompts = append(g.prompts, req.Prompt)
	g.mu.Unlock()
	if call == 1 {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return fmt.Sprintf("ANSWER-%d", call), nil
}

func newTestOrchestrator(t *testing.T, opts Options) (*Orchestrator, *eventbus.Bus, *chat.Context) {
	t.Helper()
	chatCtx, err := chat.New(config.Default().Chat)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	bus := eventbus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(context.Background(), bus, chatCtx, opts, logger)
	return o, bus, chatCtx
}

func closeOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func lastSample(t *testing.T, wav []byte) int {
	t.Helper()
	if len(wav) < 46 {
		t.Fatalf("audio frame too short: %d bytes", len(wav))
	}
	return int(binary.LittleEndian.Uint16(wav[len(wav)-2:]))
}

func TestAskQueryMockedResponse(t *testing.T) {
	o, bus, chatCtx := newTestOrchestrator(t, Options{MockedResponse: "Hi there", Synth: &scriptedSynth{chunksPer: 1}})
	events := &captured{}
	events.subscribe(bus, eventbus.ChannelQuery, eventbus.ChannelTextResponse)

	resp, err := o.AskQuery(context.Background(), "hello", "ABC")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	closeOrchestrator(t, o)

	if resp != "Hi there" {
		t.Fatalf("unexpected response %q", resp)
	}
	text := events.on(eventbus.ChannelTextResponse)
	if len(text) != 1 {
		t.Fatalf("expected one text-response, got %d", len(text))
	}
	if text[0].Text != "Hi there" || text[0].MsgID != "ABC" || text[0].Elapsed < 0 {
		t.Fatalf("unexpected text-response %+v", text[0])
	}
	if q := events.on(eventbus.ChannelQuery); len(q) != 1 || q[0].Text != "hello" || q[0].MsgID != "ABC" {
		t.Fatalf("unexpected query events %+v", q)
	}

	turns := chatCtx.Turns()
	if len(turns) != 2 || turns[0] != (chat.Turn{Role: chat.RoleUser, Text: "hello"}) || turns[1] != (chat.Turn{Role: chat.RoleModel, Text: "Hi there"}) {
		t.Fatalf("unexpected turns %+v", turns)
	}
}

func TestAskQueryEchoAndGeneratedID(t *testing.T) {
	o, bus, _ := newTestOrchestrator(t, Options{Synth: &scriptedSynth{chunksPer: 1}})
	events := &captured{}
	events.subscribe(bus, eventbus.ChannelTextResponse)

	resp, err := o.AskQuery(context.Background(), "echo me", "")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	closeOrchestrator(t, o)

	if resp != "echo me" {
		t.Fatalf("expected echo, got %q", resp)
	}
	got := events.on(eventbus.ChannelTextResponse)
	if len(got) != 1 || !regexp.MustCompile(`^[A-Z0-9]{8}$`).MatchString(got[0].MsgID) {
		t.Fatalf("expected generated id, got %+v", got)
	}
}

func TestAskQueryRendersHistoryForGenerator(t *testing.T) {
	gen := &promptRecorder{}
	o, _, _ := newTestOrchestrator(t, Options{Generator: gen, LLM: config.Default().LLM, Synth: &scriptedSynth{chunksPer: 1}})
	defer closeOrchestrator(t, o)

	for _, q := range []string{"first", "second"} {
		if _, err := o.AskQuery(context.Background(), q, ""); err != nil {
			t.Fatalf("ask: %v", err)
		}
	}
	want := "<start_of_turn>user\nfirst<end_of_turn>\n" +
		"<start_of_turn>model\nAnswer.<end_of_turn>\n" +
		"<start_of_turn>user\nsecond<end_of_turn>\n" +
		"<start_of_turn>model\n"
	if len(gen.prompts) != 2 || gen.prompts[1] != want {
		t.Fatalf("unexpected second prompt %q", gen.prompts)
	}
}

func TestSynthesisStreamsSentencesInOrder(t *testing.T) {
	synth := &scriptedSynth{chunksPer: 2}
	o, bus, _ := newTestOrchestrator(t, Options{
		MockedResponse: "First one. Second one. Third one.",
		Synth:          synth,
	})
	events := &captured{}
	events.subscribe(bus, eventbus.ChannelAudioChunk, eventbus.ChannelTTSFirstChunk, eventbus.ChannelTTSTiming)

	if _, err := o.AskQuery(context.Background(), "talk", "Q1"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	closeOrchestrator(t, o)

	var samples []int
	for _, evt := range events.on(eventbus.ChannelAudioChunk) {
		if evt.MsgID != "Q1" {
			t.Fatalf("unexpected msg id %q", evt.MsgID)
		}
		samples = append(samples, lastSample(t, evt.Audio))
	}
	want := []int{0, 1, 10, 11, 20, 21}
	if len(samples) != len(want) {
		t.Fatalf("expected samples %v, got %v", want, samples)
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("expected samples %v, got %v", want, samples)
		}
	}

	if first := events.on(eventbus.ChannelTTSFirstChunk); len(first) != 1 {
		t.Fatalf("expected exactly one tts-first-chunk, got %d", len(first))
	}
	timing := events.on(eventbus.ChannelTTSTiming)
	if len(timing) != 1 || timing[0].Elapsed <= 0 {
		t.Fatalf("expected one positive tts-timing, got %+v", timing)
	}

	all := events.all()
	if all[0].Channel != eventbus.ChannelAudioChunk || all[1].Channel != eventbus.ChannelTTSFirstChunk {
		t.Fatalf("first-chunk timing must follow the first audio chunk, got %s then %s", all[0].Channel, all[1].Channel)
	}
	if all[len(all)-1].Channel != eventbus.ChannelTTSTiming {
		t.Fatalf("expected tts-timing last, got %s", all[len(all)-1].Channel)
	}
	if synth.callCount() != 3 {
		t.Fatalf("expected 3 synthesis calls, got %d", synth.callCount())
	}
}

func TestSynthesisSkippedWithoutAudioSubscribers(t *testing.T) {
	synth := &scriptedSynth{chunksPer: 1}
	o, bus, _ := newTestOrchestrator(t, Options{MockedResponse: "Nobody listens.", Synth: synth})
	events := &captured{}
	events.subscribe(bus, eventbus.ChannelTTSTiming, eventbus.ChannelTTSFirstChunk)

	if _, err := o.AskQuery(context.Background(), "hi", "S1"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	closeOrchestrator(t, o)

	if synth.callCount() != 0 {
		t.Fatalf("expected no synthesis calls, got %d", synth.callCount())
	}
	timing := events.on(eventbus.ChannelTTSTiming)
	if len(timing) != 1 || timing[0].Elapsed != 0 || timing[0].MsgID != "S1" {
		t.Fatalf("expected zero-duration timing, got %+v", timing)
	}
	if len(events.on(eventbus.ChannelTTSFirstChunk)) != 0 {
		t.Fatal("no first-chunk expected when synthesis is skipped")
	}
}

func TestSynthesisErrorAbortsJobWithoutTiming(t *testing.T) {
	synth := &scriptedSynth{chunksPer: 1, fail: map[string]error{"Second one.": errors.New("voice model crashed")}}
	o, bus, _ := newTestOrchestrator(t, Options{MockedResponse: "First one. Second one. Third one.", Synth: synth})
	events := &captured{}
	events.subscribe(bus, eventbus.ChannelAudioChunk, eventbus.ChannelTTSTiming)

	if _, err := o.AskQuery(context.Background(), "hi", "E1"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	closeOrchestrator(t, o)

	if n := len(events.on(eventbus.ChannelAudioChunk)); n != 1 {
		t.Fatalf("expected only the first sentence's chunk, got %d", n)
	}
	if n := len(events.on(eventbus.ChannelTTSTiming)); n != 0 {
		t.Fatalf("expected no tts-timing after failure, got %d", n)
	}
	if synth.callCount() != 2 {
		t.Fatalf("expected synthesis to stop after the failing sentence, got %d calls", synth.callCount())
	}
}

func TestSynthesisFailureOnFirstSentenceEmitsNoTimings(t *testing.T) {
	synth := &scriptedSynth{chunksPer: 1, fail: map[string]error{"Only one.": errors.New("boom")}}
	o, bus, _ := newTestOrchestrator(t, Options{MockedResponse: "Only one.", Synth: synth})
	events := &captured{}
	events.subscribe(bus, eventbus.ChannelAudioChunk, eventbus.ChannelTTSFirstChunk, eventbus.ChannelTTSTiming)

	if _, err := o.AskQuery(context.Background(), "hi", "E2"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	closeOrchestrator(t, o)

	if got := events.all(); len(got) != 0 {
		t.Fatalf("expected no synthesis events, got %+v", got)
	}
}

func TestAskQueryBackendFailure(t *testing.T) {
	o, bus, chatCtx := newTestOrchestrator(t, Options{Generator: failingGenerator{}, LLM: config.Default().LLM, Synth: &scriptedSynth{chunksPer: 1}})
	events := &captured{}
	events.subscribe(bus, eventbus.ChannelTextResponse, eventbus.ChannelAudioChunk, eventbus.ChannelTTSTiming)

	_, err := o.AskQuery(context.Background(), "hello", "F1")
	closeOrchestrator(t, o)

	var backendErr *llm.BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if got := events.all(); len(got) != 0 {
		t.Fatalf("expected no downstream events, got %+v", got)
	}
	if turns := chatCtx.Turns(); len(turns) != 0 {
		t.Fatalf("failed query must not stay in history, got %+v", turns)
	}
}

func TestAskQueryPropagatesSubscriberError(t *testing.T) {
	o, bus, _ := newTestOrchestrator(t, Options{MockedResponse: "x", Synth: &scriptedSynth{chunksPer: 1}})
	defer closeOrchestrator(t, o)
	boom := errors.New("subscriber failed")
	bus.Subscribe(eventbus.ChannelQuery, eventbus.HandlerFunc(func(context.Context, eventbus.Event) error { return boom }))

	if _, err := o.AskQuery(context.Background(), "hello", "P1"); !errors.Is(err, boom) {
		t.Fatalf("expected subscriber error, got %v", err)
	}
}

func TestSerializedJobsRunInLaunchOrder(t *testing.T) {
	gate := make(chan struct{})
	synth := &scriptedSynth{
		chunksPer: 1,
		gate:      map[string]chan struct{}{"One.": gate},
		started:   make(chan string, 4),
	}
	o, bus, _ := newTestOrchestrator(t, Options{Synth: synth, SerializeJobs: true})
	events := &captured{}
	events.subscribe(bus, eventbus.ChannelAudioChunk, eventbus.ChannelTTSTiming)

	if _, err := o.AskQuery(context.Background(), "One.", "A"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if _, err := o.AskQuery(context.Background(), "Two.", "B"); err != nil {
		t.Fatalf("ask: %v", err)
	}

	select {
	case text := <-synth.started:
		if text != "One." {
			t.Fatalf("expected first job to start first, got %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first job did not start")
	}
	select {
	case text := <-synth.started:
		t.Fatalf("second job started before the first finished: %q", text)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	closeOrchestrator(t, o)

	var ids []string
	for _, evt := range events.all() {
		ids = append(ids, evt.MsgID+":"+string(evt.Channel))
	}
	want := []string{"A:audio-chunk", "A:tts-timing", "B:audio-chunk", "B:tts-timing"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestResetContextClearsHistory(t *testing.T) {
	o, _, chatCtx := newTestOrchestrator(t, Options{MockedResponse: "ok", Synth: &scriptedSynth{chunksPer: 1}})
	defer closeOrchestrator(t, o)
	if _, err := o.AskQuery(context.Background(), "hello", ""); err != nil {
		t.Fatalf("ask: %v", err)
	}
	o.ResetContext()
	if len(chatCtx.Turns()) != 0 {
		t.Fatal("expected empty history after reset")
	}
}

func TestPlayEffect(t *testing.T) {
	o, bus, _ := newTestOrchestrator(t, Options{})
	defer closeOrchestrator(t, o)
	events := &captured{}
	events.subscribe(bus, eventbus.ChannelPlayEffect)

	if err := o.PlayEffect(context.Background(), "sparkles"); err != nil {
		t.Fatalf("play effect: %v", err)
	}
	got := events.on(eventbus.ChannelPlayEffect)
	if len(got) != 1 || got[0].Effect != "sparkles" {
		t.Fatalf("unexpected effects %+v", got)
	}
}

func TestNewQueryID(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z0-9]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewQueryID()
		if !re.MatchString(id) {
			t.Fatalf("malformed id %q", id)
		}
		seen[id] = true
	}
	if len(seen) < 95 {
		t.Fatalf("ids are not random enough: %d unique of 100", len(seen))
	}
}

func TestConcurrentQueriesKeepHistoryPaired(t *testing.T) {
	gen := &gatedGenerator{entered: make(chan struct{}), release: make(chan struct{})}
	o, _, chatCtx := newTestOrchestrator(t, Options{Generator: gen, LLM: config.Default().LLM, Synth: &scriptedSynth{chunksPer: 1}})
	defer closeOrchestrator(t, o)

	firstDone := make(chan error, 1)
	go func() {
		_, err := o.AskQuery(context.Background(), "QUESTION-ONE", "Q1")
		firstDone <- err
	}()
	<-gen.entered

	secondDone := make(chan error, 1)
	go func() {
		_, err := o.AskQuery(context.Background(), "QUESTION-TWO", "Q2")
		secondDone <- err
	}()

	select {
	case err := <-secondDone:
		t.Fatalf("second query finished while the first was still generating: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gen.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first query: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second query: %v", err)
	}

	want := []chat.Turn{
		{Role: chat.RoleUser, Text: "QUESTION-ONE"},
		{Role: chat.RoleModel, Text: "ANSWER-1"},
		{Role: chat.RoleUser, Text: "QUESTION-TWO"},
		{Role: chat.RoleModel, Text: "ANSWER-2"},
	}
	turns := chatCtx.Turns()
	if len(turns) != len(want) {
		t.Fatalf("expected %+v, got %+v", want, turns)
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Fatalf("expected %+v, got %+v", want, turns)
		}
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.prompts) != 2 || !strings.Contains(gen.prompts[1], "ANSWER-1") {
		t.Fatalf("second prompt must include the first answer, got %q", gen.prompts)
	}
}
