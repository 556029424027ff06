package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// FlushReason records which boundary finalized an utterance.
type FlushReason string

const (
	FlushSilence   FlushReason = "silence"
	FlushEndOfTurn FlushReason = "end_of_turn"
	FlushMaxLength FlushReason = "max_length"
)

// Utterance is one contiguous span of captured audio, the unit handed to
// speech-to-text.
type Utterance struct {
	PCM      []byte
	Duration time.Duration
	Reason   FlushReason
}

// AssemblerConfig bounds utterance assembly.
type AssemblerConfig struct {
	SampleRate       int
	SilenceThreshold int
	EndSilence       time.Duration
	MaxUtterance     time.Duration
}

// Assembler accumulates streamed PCM chunks into utterances. It is owned by
// a single session goroutine and processes chunks strictly in arrival order.
//
// An utterance is finalized when trailing silence exceeds EndSilence, when
// the client signals end-of-turn, or when MaxUtterance is reached (forced
// flush). A buffer that never saw voiced audio is discarded, not forwarded.
type Assembler struct {
	cfg             AssemblerConfig
	buf             []byte
	voiced          bool
	trailingSilence time.Duration
}

func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.EndSilence <= 0 {
		cfg.EndSilence = 700 * time.Millisecond
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 30 * time.Second
	}
	return &Assembler{cfg: cfg}
}

// Push appends one chunk and reports a finalized utterance when a boundary
// was reached.
func (a *Assembler) Push(pcm []byte) (Utterance, bool) {
	if len(pcm) == 0 {
		return Utterance{}, false
	}
	a.buf = append(a.buf, pcm...)

	chunkDur := pcmDuration(len(pcm), a.cfg.SampleRate)
	if rmsPCM16LE(pcm) < float64(a.cfg.SilenceThreshold) {
		a.trailingSilence += chunkDur
	} else {
		a.voiced = true
		a.trailingSilence = 0
	}

	if !a.voiced {
		// Nothing but silence so far; drop it once it clearly is not the
		// leading edge of speech. Emits no pipeline request.
		if a.trailingSilence >= a.cfg.EndSilence {
			a.reset()
		}
		return Utterance{}, false
	}

	if a.Duration() >= a.cfg.MaxUtterance {
		return a.finalize(FlushMaxLength), true
	}
	if a.trailingSilence >= a.cfg.EndSilence {
		return a.finalize(FlushSilence), true
	}
	return Utterance{}, false
}

// Flush finalizes the current buffer on an explicit end-of-turn signal.
// Returns false when the buffer is empty or silence-only.
func (a *Assembler) Flush() (Utterance, bool) {
	if len(a.buf) == 0 || !a.voiced {
		a.reset()
		return Utterance{}, false
	}
	return a.finalize(FlushEndOfTurn), true
}

// Duration reports the accumulated buffer duration.
func (a *Assembler) Duration() time.Duration {
	return pcmDuration(len(a.buf), a.cfg.SampleRate)
}

func (a *Assembler) finalize(reason FlushReason) Utterance {
	u := Utterance{
		PCM:      a.buf,
		Duration: a.Duration(),
		Reason:   reason,
	}
	a.buf = nil
	a.voiced = false
	a.trailingSilence = 0
	return u
}

func (a *Assembler) reset() {
	a.buf = a.buf[:0]
	a.trailingSilence = 0
}

func pcmDuration(bytes, sampleRate int) time.Duration {
	samples := bytes / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// rmsPCM16LE computes the root-mean-square amplitude of 16-bit little-endian
// samples, the voice-activity signal.
func rmsPCM16LE(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
