package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fmeyer/voicegate/internal/reliability"
)

// Automation forwards delegated tasks to the core automation HTTP service.
// It is one more provider-shaped adapter: same invoke contract, same health
// reporting.
type Automation struct {
	url    string
	token  string
	client *http.Client
	caller *Caller
}

func NewAutomation(url, token string, caller *Caller) *Automation {
	return &Automation{
		url:   strings.TrimSpace(url),
		token: token,
		client: &http.Client{
			// The caller applies the per-call timeout via context.
			Timeout: 0,
		},
		caller: caller,
	}
}

// Enabled reports whether an automation endpoint is configured.
func (a *Automation) Enabled() bool {
	return a.url != ""
}

type delegateRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// Delegate posts the task description and returns the service's
// acknowledgement text.
func (a *Automation) Delegate(ctx context.Context, sessionID, task string) (string, error) {
	if !a.Enabled() {
		return "", &Error{Provider: ProviderAutomation, Kind: KindUnavailable, Err: errors.New("automation endpoint not configured")}
	}

	payload, err := json.Marshal(delegateRequest{
		Message:        task,
		ConversationID: sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal delegation request: %w", err)
	}

	var ack string
	err = a.caller.Invoke(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
		if err != nil {
			return &Error{Provider: ProviderAutomation, Kind: KindInvalidResponse, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		if a.token != "" {
			req.Header.Set("Authorization", "Bearer "+a.token)
		}

		res, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			cause := fmt.Errorf("automation status %d: %s", res.StatusCode, string(body))
			if res.StatusCode == 429 {
				return &Error{
					Provider:   ProviderAutomation,
					Kind:       KindRateLimited,
					RetryAfter: retryAfterDelay(res),
					Err:        cause,
				}
			}
			if reliability.IsRetryableHTTPStatus(res.StatusCode) {
				return &Error{Provider: ProviderAutomation, Kind: KindUnavailable, Err: cause}
			}
			return &Error{Provider: ProviderAutomation, Kind: KindInvalidResponse, Err: cause}
		}

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		ack = extractText(body)
		if ack == "" {
			return &Error{Provider: ProviderAutomation, Kind: KindInvalidResponse, Err: errors.New("empty automation response")}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ack, nil
}

func retryAfterDelay(res *http.Response) time.Duration {
	v := strings.TrimSpace(res.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func extractText(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, k := range []string{"text", "message", "response", "output"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
