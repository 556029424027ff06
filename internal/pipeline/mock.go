package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fmeyer/voicegate/internal/audio"
	"github.com/fmeyer/voicegate/internal/transcript"
)

// MockSpeechToText is a local fallback transcriber used when no provider
// token is configured.
type MockSpeechToText struct{}

func NewMockSpeechToText() *MockSpeechToText { return &MockSpeechToText{} }

func (m *MockSpeechToText) Transcribe(_ context.Context, _ string, u audio.Utterance) (string, error) {
	return fmt.Sprintf("simulated transcript of %s of audio", u.Duration.Round(100*time.Millisecond)), nil
}

// MockLanguageModel echoes the user's input back.
type MockLanguageModel struct{}

func NewMockLanguageModel() *MockLanguageModel { return &MockLanguageModel{} }

func (m *MockLanguageModel) Reply(_ context.Context, _ string, _ []transcript.Message, userText string) (string, error) {
	return "You said: " + strings.TrimSpace(userText), nil
}

// MockTextToSpeech wraps the reply text in a minimal WAV container so the
// client playback path still exercises real audio framing.
type MockTextToSpeech struct{}

func NewMockTextToSpeech() *MockTextToSpeech { return &MockTextToSpeech{} }

func (m *MockTextToSpeech) Synthesize(_ context.Context, _ string, text string) ([]byte, error) {
	return audio.EncodeWAVPCM16LE([]byte(text), 16000), nil
}
