package gateway

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fmeyer/voicegate/internal/audio"
	"github.com/fmeyer/voicegate/internal/pipeline"
	"github.com/fmeyer/voicegate/internal/protocol"
	"github.com/fmeyer/voicegate/internal/session"
	"github.com/fmeyer/voicegate/internal/transcript"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeTranscriber) Transcribe(context.Context, string, audio.Utterance) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.text, f.err
}

type fakeResponder struct {
	mu      sync.Mutex
	replies []string
	err     error
	gate    chan struct{}
	calls   int
}

func (f *fakeResponder) Reply(ctx context.Context, _ string, _ []transcript.Message, userText string) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) > 0 {
		r := f.replies[0]
		f.replies = f.replies[1:]
		return r, nil
	}
	return "re: " + userText, nil
}

type fakeSynthesizer struct {
	err error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, _ string, text string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("wav:" + text), nil
}

type fakeDelegator struct {
	mu   sync.Mutex
	task string
	ack  string
	err  error
}

func (f *fakeDelegator) Enabled() bool { return true }

func (f *fakeDelegator) Delegate(_ context.Context, _ string, task string) (string, error) {
	f.mu.Lock()
	f.task = task
	f.mu.Unlock()
	return f.ack, f.err
}

type harness struct {
	orch     *Orchestrator
	sess     *session.Session
	store    *transcript.InMemoryStore
	inbound  chan any
	outbound chan protocol.ServerMessage
	done     chan error
	cancel   context.CancelFunc

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, mode session.Mode, stt Transcriber, llm Responder, tts Synthesizer, del Delegator) *harness {
	t.Helper()
	reg := session.NewRegistry(4, time.Minute)
	s, err := reg.Open(mode)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	h := &harness{
		store:    transcript.NewInMemoryStore(),
		sess:     s,
		inbound:  make(chan any, 8),
		outbound: make(chan protocol.ServerMessage, 8),
		done:     make(chan error, 1),
	}
	h.orch = New(stt, llm, tts, del, h.store, nil, Config{
		Assembler: audio.AssemblerConfig{
			SampleRate:       16000,
			SilenceThreshold: 500,
			EndSilence:       40 * time.Millisecond,
			MaxUtterance:     time.Second,
		},
		ContextTurns: 4,
	})
	h.orch.StateHook = func(_ string, st State) {
		h.mu.Lock()
		h.states = append(h.states, st)
		h.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() {
		h.done <- h.orch.RunConnection(ctx, s, h.inbound, h.outbound)
	}()
	return h
}

func (h *harness) next(t *testing.T) protocol.ServerMessage {
	t.Helper()
	select {
	case msg := <-h.outbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return protocol.ServerMessage{}
	}
}

func (h *harness) statesSeen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

// waitStates polls until at least n transitions were recorded; the last
// transition of a turn lands just after the reply is sent.
func (h *harness) waitStates(t *testing.T, n int) []State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := h.statesSeen()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("states = %v, want at least %d transitions", got, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// pcm produces 16-bit little-endian samples at a constant amplitude.
func pcm(ms int, amplitude int16) []byte {
	samples := 16000 * ms / 1000
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(amplitude))
	}
	return out
}

func TestTextTurnStateSequence(t *testing.T) {
	h := newHarness(t, session.ModeText, &fakeTranscriber{}, &fakeResponder{}, &fakeSynthesizer{}, &fakeDelegator{})

	h.inbound <- protocol.TextInput{Text: "hello"}
	msg := h.next(t)
	if msg.Type != protocol.TypeText {
		t.Fatalf("reply type = %s, want %s", msg.Type, protocol.TypeText)
	}
	if msg.Content != "re: hello" {
		t.Fatalf("reply content = %q, want %q", msg.Content, "re: hello")
	}
	if msg.Audio != nil {
		t.Fatal("text reply carries audio")
	}

	want := []State{StateIdle, StateThinking, StateResponding, StateIdle}
	got := h.waitStates(t, len(want))
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}

	msgs, err := h.store.Recent(context.Background(), h.sess.ID, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != transcript.RoleUser || msgs[1].Role != transcript.RoleAssistant {
		t.Fatalf("transcript = %+v, want user then assistant", msgs)
	}
}

func TestVoiceTurnProducesVoiceReply(t *testing.T) {
	stt := &fakeTranscriber{text: "what time is it"}
	h := newHarness(t, session.ModeVoice, stt, &fakeResponder{}, &fakeSynthesizer{}, &fakeDelegator{})

	h.inbound <- protocol.VoiceChunk{PCM: pcm(100, 4000)}
	h.inbound <- protocol.VoiceChunk{PCM: pcm(60, 0)}

	msg := h.next(t)
	if msg.Type != protocol.TypeVoice {
		t.Fatalf("reply type = %s, want %s", msg.Type, protocol.TypeVoice)
	}
	if msg.Content != "re: what time is it" {
		t.Fatalf("reply content = %q", msg.Content)
	}
	if msg.Audio == nil {
		t.Fatal("voice reply missing audio")
	}
	wav, err := base64.StdEncoding.DecodeString(*msg.Audio)
	if err != nil {
		t.Fatalf("audio not base64: %v", err)
	}
	if string(wav) != "wav:re: what time is it" {
		t.Fatalf("audio = %q", wav)
	}
}

func TestEndOfTurnFlushesPartialUtterance(t *testing.T) {
	stt := &fakeTranscriber{text: "short one"}
	h := newHarness(t, session.ModeVoice, stt, &fakeResponder{}, &fakeSynthesizer{}, &fakeDelegator{})

	h.inbound <- protocol.VoiceChunk{PCM: pcm(30, 4000)}
	h.inbound <- protocol.Control{Action: protocol.ControlEndOfTurn}

	msg := h.next(t)
	if msg.Type != protocol.TypeVoice || msg.Content != "re: short one" {
		t.Fatalf("reply = %+v, want voice reply", msg)
	}
	stt.mu.Lock()
	defer stt.mu.Unlock()
	if stt.calls != 1 {
		t.Fatalf("transcribe calls = %d, want 1", stt.calls)
	}
}

func TestTurnConflictBackpressure(t *testing.T) {
	gate := make(chan struct{})
	llm := &fakeResponder{gate: gate}
	h := newHarness(t, session.ModeText, &fakeTranscriber{}, llm, &fakeSynthesizer{}, &fakeDelegator{})

	h.inbound <- protocol.TextInput{Text: "first"}
	h.inbound <- protocol.TextInput{Text: "second"}
	h.inbound <- protocol.TextInput{Text: "third"}

	msg := h.next(t)
	if msg.Type != protocol.TypeControl || msg.Content != protocol.ServerTurnConflict {
		t.Fatalf("message = %+v, want turn-conflict control", msg)
	}

	close(gate)
	first := h.next(t)
	if first.Content != "re: first" {
		t.Fatalf("first reply = %q", first.Content)
	}
	second := h.next(t)
	if second.Content != "re: second" {
		t.Fatalf("second reply = %q", second.Content)
	}

	msgs, _ := h.store.Recent(context.Background(), h.sess.ID, 10)
	if len(msgs) != 4 {
		t.Fatalf("transcript length = %d, want 4", len(msgs))
	}
	for i, m := range msgs {
		want := transcript.RoleUser
		if i%2 == 1 {
			want = transcript.RoleAssistant
		}
		if m.Role != want {
			t.Fatalf("transcript[%d].Role = %s, want %s", i, m.Role, want)
		}
	}
}

func TestFailedTurnKeepsUserMessageOnly(t *testing.T) {
	llm := &fakeResponder{err: &pipeline.Error{
		Provider: pipeline.ProviderLLM,
		Kind:     pipeline.KindUnavailable,
		Err:      errors.New("backend down"),
	}}
	h := newHarness(t, session.ModeText, &fakeTranscriber{}, llm, &fakeSynthesizer{}, &fakeDelegator{})

	h.inbound <- protocol.TextInput{Text: "doomed"}
	msg := h.next(t)
	if msg.Type != protocol.TypeError {
		t.Fatalf("message type = %s, want %s", msg.Type, protocol.TypeError)
	}
	if !strings.Contains(msg.Content, "unavailable") {
		t.Fatalf("error content = %q", msg.Content)
	}

	msgs, _ := h.store.Recent(context.Background(), h.sess.ID, 10)
	if len(msgs) != 1 || msgs[0].Role != transcript.RoleUser {
		t.Fatalf("transcript = %+v, want single user message", msgs)
	}

	// The session survives and serves the next turn.
	llm.mu.Lock()
	llm.err = nil
	llm.mu.Unlock()
	h.inbound <- protocol.TextInput{Text: "again"}
	reply := h.next(t)
	if reply.Content != "re: again" {
		t.Fatalf("followup reply = %q", reply.Content)
	}
}

func TestTranscriptionFailureLeavesTranscriptUnchanged(t *testing.T) {
	stt := &fakeTranscriber{err: &pipeline.Error{
		Provider: pipeline.ProviderSTT,
		Kind:     pipeline.KindTimeout,
		Err:      context.DeadlineExceeded,
	}}
	h := newHarness(t, session.ModeVoice, stt, &fakeResponder{}, &fakeSynthesizer{}, &fakeDelegator{})

	h.inbound <- protocol.VoiceChunk{PCM: pcm(100, 4000)}
	h.inbound <- protocol.VoiceChunk{PCM: pcm(60, 0)}

	msg := h.next(t)
	if msg.Type != protocol.TypeError {
		t.Fatalf("message type = %s, want %s", msg.Type, protocol.TypeError)
	}
	msgs, _ := h.store.Recent(context.Background(), h.sess.ID, 10)
	if len(msgs) != 0 {
		t.Fatalf("transcript length = %d, want 0", len(msgs))
	}

	// idle, listening (x2 chunks), transcribing, failed, idle
	got := h.waitStates(t, 6)
	if got[len(got)-1] != StateIdle {
		t.Fatalf("final state = %s, want %s", got[len(got)-1], StateIdle)
	}
}

func TestDelegationRoutesToAutomation(t *testing.T) {
	llm := &fakeResponder{replies: []string{"DELEGATE: water the plants"}}
	del := &fakeDelegator{ack: "Watering scheduled."}
	h := newHarness(t, session.ModeText, &fakeTranscriber{}, llm, &fakeSynthesizer{}, del)

	h.inbound <- protocol.TextInput{Text: "please water the plants"}
	msg := h.next(t)
	if msg.Content != "Watering scheduled." {
		t.Fatalf("reply = %q, want automation ack", msg.Content)
	}

	del.mu.Lock()
	defer del.mu.Unlock()
	if del.task != "water the plants" {
		t.Fatalf("delegated task = %q", del.task)
	}

	msgs, _ := h.store.Recent(context.Background(), h.sess.ID, 10)
	if len(msgs) != 2 || msgs[1].Content != "Watering scheduled." {
		t.Fatalf("transcript = %+v, want ack as assistant message", msgs)
	}
}

func TestCancelledTurnEndsInFailed(t *testing.T) {
	gate := make(chan struct{})
	llm := &fakeResponder{gate: gate}
	h := newHarness(t, session.ModeText, &fakeTranscriber{}, llm, &fakeSynthesizer{}, &fakeDelegator{})

	h.inbound <- protocol.TextInput{Text: "never answered"}
	h.waitStates(t, 2) // idle, thinking
	h.cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := h.statesSeen()
		if got[len(got)-1] == StateFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("states = %v, want %s last after teardown", got, StateFailed)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Teardown means no error report goes out.
	select {
	case msg := <-h.outbound:
		t.Fatalf("unexpected outbound message %+v after teardown", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTextBufferedWhileSweepHoldsTurnLock(t *testing.T) {
	h := newHarness(t, session.ModeText, &fakeTranscriber{}, &fakeResponder{}, &fakeSynthesizer{}, &fakeDelegator{})

	if !h.sess.TryBeginTurn() {
		t.Fatal("TryBeginTurn() = false on a fresh session")
	}
	h.inbound <- protocol.TextInput{Text: "held back"}
	time.Sleep(50 * time.Millisecond)
	h.sess.EndTurn()

	msg := h.next(t)
	if msg.Type != protocol.TypeText || msg.Content != "re: held back" {
		t.Fatalf("reply = %+v, want buffered text served after lock release", msg)
	}
}

func TestUtteranceConflictWhileSweepHoldsTurnLock(t *testing.T) {
	stt := &fakeTranscriber{text: "ignored"}
	h := newHarness(t, session.ModeVoice, stt, &fakeResponder{}, &fakeSynthesizer{}, &fakeDelegator{})

	if !h.sess.TryBeginTurn() {
		t.Fatal("TryBeginTurn() = false on a fresh session")
	}
	defer h.sess.EndTurn()

	h.inbound <- protocol.VoiceChunk{PCM: pcm(100, 4000)}
	h.inbound <- protocol.VoiceChunk{PCM: pcm(60, 0)}

	msg := h.next(t)
	if msg.Type != protocol.TypeControl || msg.Content != protocol.ServerTurnConflict {
		t.Fatalf("message = %+v, want turn-conflict control", msg)
	}
	stt.mu.Lock()
	defer stt.mu.Unlock()
	if stt.calls != 0 {
		t.Fatalf("transcribe calls = %d, want 0 for rejected utterance", stt.calls)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := newHarness(t, session.ModeText, &fakeTranscriber{}, &fakeResponder{}, &fakeSynthesizer{}, &fakeDelegator{})

	h.inbound <- protocol.Control{Action: protocol.ControlPing}
	msg := h.next(t)
	if msg.Type != protocol.TypeControl || msg.Content != protocol.ServerPong {
		t.Fatalf("message = %+v, want pong control", msg)
	}
}

func TestDisconnectClosesConnection(t *testing.T) {
	h := newHarness(t, session.ModeText, &fakeTranscriber{}, &fakeResponder{}, &fakeSynthesizer{}, &fakeDelegator{})

	h.inbound <- protocol.Control{Action: protocol.ControlDisconnect}
	msg := h.next(t)
	if msg.Type != protocol.TypeControl || msg.Content != protocol.ServerSessionClosed {
		t.Fatalf("message = %+v, want session-closed control", msg)
	}

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunConnection did not return after disconnect")
	}
}

func TestTruncatedUtteranceStillProcessed(t *testing.T) {
	stt := &fakeTranscriber{text: "a very long story"}
	h := newHarness(t, session.ModeVoice, stt, &fakeResponder{}, &fakeSynthesizer{}, &fakeDelegator{})

	// 1s max utterance; feed voiced audio past the cap in one chunk.
	h.inbound <- protocol.VoiceChunk{PCM: pcm(1100, 4000)}

	first := h.next(t)
	if first.Type != protocol.TypeControl || first.Content != protocol.ServerUtteranceTruncated {
		t.Fatalf("message = %+v, want utterance-truncated control", first)
	}
	reply := h.next(t)
	if reply.Type != protocol.TypeVoice || reply.Content != "re: a very long story" {
		t.Fatalf("reply = %+v, want voice reply for truncated utterance", reply)
	}
}
