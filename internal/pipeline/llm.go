package pipeline

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fmeyer/voicegate/internal/transcript"
)

// DelegationPrefix marks an assistant reply that should be handed to the
// automation service instead of being spoken directly.
const DelegationPrefix = "DELEGATE:"

// LanguageModel produces assistant replies through an OpenAI-compatible
// chat-completions endpoint, feeding the session transcript as context.
type LanguageModel struct {
	client       *openai.Client
	model        string
	systemPrompt string
	caller       *Caller
}

func NewLanguageModel(baseURL, apiKey, model, systemPrompt string, caller *Caller) *LanguageModel {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	return &LanguageModel{
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
		systemPrompt: systemPrompt,
		caller:       caller,
	}
}

// Reply completes the conversation with history as context and userText as
// the newest user message.
func (l *LanguageModel) Reply(ctx context.Context, sessionID string, history []transcript.Message, userText string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if l.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: l.systemPrompt,
		})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == transcript.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})

	var reply string
	err := l.caller.Invoke(ctx, func(ctx context.Context) error {
		resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    l.model,
			Messages: messages,
			User:     sessionID,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return &Error{Provider: ProviderLLM, Kind: KindInvalidResponse, Err: errors.New("no completion choices")}
		}
		reply = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// DelegatedTask extracts the task description from a delegation reply.
func DelegatedTask(reply string) (string, bool) {
	reply = strings.TrimSpace(reply)
	if !strings.HasPrefix(reply, DelegationPrefix) {
		return "", false
	}
	task := strings.TrimSpace(strings.TrimPrefix(reply, DelegationPrefix))
	if task == "" {
		return "", false
	}
	return task, true
}
