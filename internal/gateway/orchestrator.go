package gateway

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fmeyer/voicegate/internal/audio"
	"github.com/fmeyer/voicegate/internal/observability"
	"github.com/fmeyer/voicegate/internal/pipeline"
	"github.com/fmeyer/voicegate/internal/protocol"
	"github.com/fmeyer/voicegate/internal/session"
	"github.com/fmeyer/voicegate/internal/transcript"
)

// Transcriber converts one finalized utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, sessionID string, u audio.Utterance) (string, error)
}

// Responder produces the assistant reply for the newest user input.
type Responder interface {
	Reply(ctx context.Context, sessionID string, history []transcript.Message, userText string) (string, error)
}

// Synthesizer renders reply text to WAV audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, sessionID, text string) ([]byte, error)
}

// Delegator hands a task description to the automation service.
type Delegator interface {
	Enabled() bool
	Delegate(ctx context.Context, sessionID, task string) (string, error)
}

// State names the per-turn processing stage. Every turn starts from Idle
// and returns to Idle, through Failed when the pipeline gives up.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateThinking     State = "thinking"
	StateSynthesizing State = "synthesizing"
	StateResponding   State = "responding"
	StateFailed       State = "failed"
)

// Config carries the per-session tunables the orchestrator needs.
type Config struct {
	Assembler    audio.AssemblerConfig
	ContextTurns int
}

// Orchestrator drives one conversation turn at a time per session:
// utterance (or text) in, transcript-grounded reply out, optionally
// synthesized to audio. Turns are strictly sequential per session.
type Orchestrator struct {
	stt        Transcriber
	llm        Responder
	tts        Synthesizer
	automation Delegator
	store      transcript.Store
	metrics    *observability.Metrics
	cfg        Config

	// StateHook observes per-session state transitions. Test-only; nil in
	// production wiring.
	StateHook func(sessionID string, state State)
}

func New(
	stt Transcriber,
	llm Responder,
	tts Synthesizer,
	automation Delegator,
	store transcript.Store,
	metrics *observability.Metrics,
	cfg Config,
) *Orchestrator {
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = 8
	}
	return &Orchestrator{
		stt:        stt,
		llm:        llm,
		tts:        tts,
		automation: automation,
		store:      store,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// turnInput is either one finalized utterance or one direct text message.
type turnInput struct {
	utterance *audio.Utterance
	text      string
}

// RunConnection consumes parsed client messages for one session until the
// context is cancelled, the client disconnects, or inbound closes. At most
// one turn is in flight; one text input may be buffered behind it, anything
// beyond that is answered with turn-conflict backpressure. Voice chunks
// arriving mid-turn are dropped with the same signal.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- protocol.ServerMessage) error {
	asm := audio.NewAssembler(o.cfg.Assembler)
	o.setState(s.ID, StateIdle)

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	var (
		inFlight     bool
		pendingText  string
		hasPending   bool
		conflictSent bool
	)
	turnDone := make(chan struct{}, 1)
	retryKick := make(chan struct{}, 1)

	begin := func(in turnInput) bool {
		// TryBeginTurn can fail without a turn in flight: the janitor
		// holds the same lock during its sweep.
		if !s.TryBeginTurn() {
			return false
		}
		inFlight = true
		conflictSent = false
		o.event("turn_started")
		go func() {
			defer func() {
				s.EndTurn()
				turnDone <- struct{}{}
			}()
			o.runTurn(turnCtx, s, in, outbound)
		}()
		return true
	}

	// kickRetry re-attempts a buffered text after the turn lock was found
	// held; the sweep releases it within its pass.
	kickRetry := func() {
		time.AfterFunc(10*time.Millisecond, func() {
			select {
			case retryKick <- struct{}{}:
			default:
			}
		})
	}

	beginPending := func() {
		if !hasPending {
			return
		}
		if begin(turnInput{text: pendingText}) {
			hasPending = false
			pendingText = ""
		} else {
			kickRetry()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-turnDone:
			inFlight = false
			beginPending()

		case <-retryKick:
			if !inFlight {
				beginPending()
			}

		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			s.Touch()

			switch in := msg.(type) {
			case protocol.VoiceChunk:
				if inFlight {
					// Audio streamed over an active turn is stale by the
					// time the turn finishes; drop it rather than queue it.
					o.conflict(ctx, outbound, &conflictSent)
					continue
				}
				o.setState(s.ID, StateListening)
				u, done := asm.Push(in.PCM)
				if !done {
					continue
				}
				if u.Reason == audio.FlushMaxLength {
					o.event("utterance_truncated")
					o.send(ctx, outbound, protocol.NewControl(protocol.ServerUtteranceTruncated))
				}
				if !begin(turnInput{utterance: &u}) {
					o.conflict(ctx, outbound, &conflictSent)
				}

			case protocol.TextInput:
				if !inFlight && begin(turnInput{text: in.Text}) {
					continue
				}
				if !hasPending {
					hasPending = true
					pendingText = in.Text
					if !inFlight {
						kickRetry()
					}
					continue
				}
				o.conflict(ctx, outbound, &conflictSent)

			case protocol.Control:
				switch in.Action {
				case protocol.ControlPing:
					o.send(ctx, outbound, protocol.NewControl(protocol.ServerPong))
				case protocol.ControlEndOfTurn:
					if inFlight {
						continue
					}
					if u, done := asm.Flush(); done {
						if !begin(turnInput{utterance: &u}) {
							o.conflict(ctx, outbound, &conflictSent)
						}
					}
				case protocol.ControlDisconnect:
					o.send(ctx, outbound, protocol.NewControl(protocol.ServerSessionClosed))
					return nil
				}
			}
		}
	}
}

// runTurn executes one full turn: transcribe (voice input), think, delegate
// when asked, synthesize (voice sessions), respond. Failures are reported
// to the client and the session returns to Idle.
func (o *Orchestrator) runTurn(ctx context.Context, s *session.Session, in turnInput, outbound chan<- protocol.ServerMessage) {
	started := time.Now()

	userText := in.text
	if in.utterance != nil {
		o.setState(s.ID, StateTranscribing)
		text, err := o.stt.Transcribe(ctx, s.ID, *in.utterance)
		if err != nil {
			o.failTurn(ctx, s.ID, err, outbound)
			return
		}
		userText = text
	}
	if userText == "" {
		o.setState(s.ID, StateIdle)
		return
	}

	// The user message is established; it survives even if the rest of the
	// turn fails.
	o.appendMessage(s.ID, transcript.RoleUser, userText)

	o.setState(s.ID, StateThinking)
	history, err := o.store.Recent(ctx, s.ID, o.cfg.ContextTurns*2)
	if err != nil {
		log.Printf("session %s: transcript context unavailable: %v", s.ID, err)
		history = nil
	}
	// Recent already contains the user message we just appended.
	if n := len(history); n > 0 && history[n-1].Role == transcript.RoleUser {
		history = history[:n-1]
	}

	reply, err := o.llm.Reply(ctx, s.ID, history, userText)
	if err != nil {
		o.failTurn(ctx, s.ID, err, outbound)
		return
	}

	if task, ok := pipeline.DelegatedTask(reply); ok {
		ack, err := o.automation.Delegate(ctx, s.ID, task)
		if err != nil {
			o.failTurn(ctx, s.ID, err, outbound)
			return
		}
		reply = ack
	}

	var wav []byte
	if s.Mode == session.ModeVoice {
		o.setState(s.ID, StateSynthesizing)
		wav, err = o.tts.Synthesize(ctx, s.ID, reply)
		if err != nil {
			o.failTurn(ctx, s.ID, err, outbound)
			return
		}
	}

	o.setState(s.ID, StateResponding)
	o.appendMessage(s.ID, transcript.RoleAssistant, reply)
	if wav != nil {
		o.send(ctx, outbound, protocol.NewVoice(reply, wav))
	} else {
		o.send(ctx, outbound, protocol.NewText(reply))
	}

	o.event("turn_completed")
	if o.metrics != nil {
		o.metrics.ObserveTurnLatency(time.Since(started))
	}
	o.setState(s.ID, StateIdle)
}

// failTurn reports a spent-retry-budget failure to the client. The session
// itself stays alive; the next input starts a fresh turn.
func (o *Orchestrator) failTurn(ctx context.Context, sessionID string, err error, outbound chan<- protocol.ServerMessage) {
	o.setState(sessionID, StateFailed)
	if ctx.Err() != nil {
		// Teardown cancelled the provider call; the turn still ends in
		// Failed, but nobody is listening for the error report.
		return
	}
	o.event("turn_failed")
	log.Printf("session %s: turn failed: %v", sessionID, err)
	o.send(ctx, outbound, protocol.NewError(err.Error()))
	o.setState(sessionID, StateIdle)
}

func (o *Orchestrator) appendMessage(sessionID string, role transcript.Role, content string) {
	// Transcript writes should not abort the turn; history is best-effort
	// context for later turns.
	saveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := o.store.Append(saveCtx, transcript.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("session %s: transcript append failed: %v", sessionID, err)
	}
}

func (o *Orchestrator) conflict(ctx context.Context, outbound chan<- protocol.ServerMessage, sent *bool) {
	o.event("turn_conflict")
	if *sent {
		return
	}
	*sent = true
	o.send(ctx, outbound, protocol.NewControl(protocol.ServerTurnConflict))
}

func (o *Orchestrator) send(ctx context.Context, outbound chan<- protocol.ServerMessage, msg protocol.ServerMessage) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) setState(sessionID string, state State) {
	if o.StateHook != nil {
		o.StateHook(sessionID, state)
	}
}

func (o *Orchestrator) event(name string) {
	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues(name).Inc()
	}
}
