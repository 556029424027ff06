package pipeline

import (
	"bytes"
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fmeyer/voicegate/internal/audio"
)

// SpeechToText transcribes finalized utterances through an
// OpenAI-compatible transcription endpoint. The adapter is stateless with
// respect to session identity; the session token is carried for tracing.
type SpeechToText struct {
	client     *openai.Client
	model      string
	sampleRate int
	caller     *Caller
}

func NewSpeechToText(baseURL, apiKey, model string, sampleRate int, caller *Caller) *SpeechToText {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	return &SpeechToText{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		sampleRate: sampleRate,
		caller:     caller,
	}
}

// Transcribe uploads the utterance as WAV and returns the recognized text.
func (s *SpeechToText) Transcribe(ctx context.Context, sessionID string, u audio.Utterance) (string, error) {
	wav := audio.EncodeWAVPCM16LE(u.PCM, s.sampleRate)

	var text string
	err := s.caller.Invoke(ctx, func(ctx context.Context) error {
		resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    s.model,
			Reader:   bytes.NewReader(wav),
			FilePath: sessionID + ".wav",
			Format:   openai.AudioResponseFormatJSON,
		})
		if err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}
