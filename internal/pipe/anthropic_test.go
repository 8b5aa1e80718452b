package pipe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
)

type messagesRequest struct {
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
	System    []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func messagesServer(t *testing.T, status int, body string, captured *messagesRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("expected api key header, got %q", got)
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func messageBody(blocks string) string {
	return `{"id":"msg_01","type":"message","role":"assistant","model":"claude-test",` +
		`"content":` + blocks + `,"stop_reason":"end_turn","stop_sequence":null,` +
		`"usage":{"input_tokens":12,"output_tokens":8}}`
}

func TestAnthropicClientCall(t *testing.T) {
	var captured messagesRequest
	srv := messagesServer(t, http.StatusOK,
		messageBody(`[{"type":"text","text":"{\"summary\":"},{"type":"text","text":"\"ok\"}"}]`), &captured)
	client := NewAnthropicClient("test-key", "claude-test", 0, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	out, err := client.Call(context.Background(), Request{Pipe: "self-diagnosis-v1", Prompt: "hello"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Text != `{"summary":"ok"}` || out.Model != "claude-test" {
		t.Fatalf("unexpected completion: %+v", out)
	}
	if captured.Model != "claude-test" || captured.MaxTokens != 1024 {
		t.Fatalf("unexpected model or max tokens: %+v", captured)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" ||
		len(captured.Messages[0].Content) != 1 || captured.Messages[0].Content[0].Text != "hello" {
		t.Fatalf("unexpected messages: %+v", captured.Messages)
	}
	if len(captured.System) != 1 || captured.System[0].Text == "" {
		t.Fatalf("expected a default system prompt, got %+v", captured.System)
	}
}

func TestAnthropicClientEmptyTextIsParseError(t *testing.T) {
	srv := messagesServer(t, http.StatusOK, messageBody(`[]`), nil)
	client := NewAnthropicClient("test-key", "claude-test", 256, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	_, err := client.Call(context.Background(), Request{Pipe: "action-selection-v1", Prompt: "hello"})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindParse || pe.Pipe != "action-selection-v1" {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestAnthropicClientAPIErrorIsHTTPError(t *testing.T) {
	srv := messagesServer(t, http.StatusBadRequest,
		`{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`, nil)
	client := NewAnthropicClient("test-key", "claude-test", 256, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	_, err := client.Call(context.Background(), Request{Pipe: "validation-v1", Prompt: "hello"})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindHTTP {
		t.Fatalf("expected http error, got %v", err)
	}
}
