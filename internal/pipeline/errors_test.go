package pipeline

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"api 429", &openai.APIError{HTTPStatusCode: 429}, KindRateLimited},
		{"api 500", &openai.APIError{HTTPStatusCode: 500}, KindUnavailable},
		{"api 503", &openai.APIError{HTTPStatusCode: 503}, KindUnavailable},
		{"api 400", &openai.APIError{HTTPStatusCode: 400}, KindInvalidResponse},
		{"api 401", &openai.APIError{HTTPStatusCode: 401}, KindInvalidResponse},
		{"transport", errors.New("connection refused"), KindUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := Classify(ProviderLLM, tt.err)
			if perr.Kind != tt.want {
				t.Fatalf("Classify() kind = %s, want %s", perr.Kind, tt.want)
			}
			if perr.Provider != ProviderLLM {
				t.Fatalf("Classify() provider = %s, want %s", perr.Provider, ProviderLLM)
			}
		})
	}
}

func TestClassifyKeepsExistingError(t *testing.T) {
	orig := &Error{Provider: ProviderTTS, Kind: KindRateLimited}
	if got := Classify(ProviderLLM, orig); got != orig {
		t.Fatalf("Classify() = %v, want original error passed through", got)
	}
}

func TestDelegatedTask(t *testing.T) {
	tests := []struct {
		reply string
		task  string
		ok    bool
	}{
		{"DELEGATE: open the garage", "open the garage", true},
		{"DELEGATE:no space", "no space", true},
		{"Sure, I can help with that.", "", false},
		{"DELEGATE:", "", false},
		{"  DELEGATE: padded reply", "padded reply", true},
	}
	for _, tt := range tests {
		task, ok := DelegatedTask(tt.reply)
		if ok != tt.ok || task != tt.task {
			t.Fatalf("DelegatedTask(%q) = %q, %v, want %q, %v", tt.reply, task, ok, tt.task, tt.ok)
		}
	}
}
