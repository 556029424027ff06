package pipeline

import (
	"context"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// TextToSpeech synthesizes WAV audio through an OpenAI-compatible speech
// endpoint.
type TextToSpeech struct {
	client *openai.Client
	model  string
	voice  string
	caller *Caller
}

func NewTextToSpeech(baseURL, apiKey, model, voice string, caller *Caller) *TextToSpeech {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	return &TextToSpeech{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		voice:  voice,
		caller: caller,
	}
}

// Synthesize returns WAV bytes for the given text.
func (t *TextToSpeech) Synthesize(ctx context.Context, sessionID, text string) ([]byte, error) {
	var wav []byte
	err := t.caller.Invoke(ctx, func(ctx context.Context) error {
		resp, err := t.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(t.model),
			Input:          text,
			Voice:          openai.SpeechVoice(t.voice),
			ResponseFormat: openai.SpeechResponseFormatWav,
		})
		if err != nil {
			return err
		}
		defer resp.Close()
		wav, err = io.ReadAll(resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wav, nil
}
