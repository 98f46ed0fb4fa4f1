package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codeready-toolchain/cursorchestrator/pkg/apierr"
)

// Conversation message roles, mirroring the OpenAI-compatible chat schema
// the configured LLM endpoint is expected to speak (spec §6.5).
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage is one turn in the conversation passed to the LLM and
// echoed back from the persisted AgentState.
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMClient is a one-shot chat-completion HTTP client. Unlike the teacher's
// streaming gRPC sidecar connection, the decision engine needs exactly one
// JSON object back per call, so a plain net/http POST is the right shape
// (see DESIGN.md's dropped-gRPC-dependency note).
type LLMClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewLLMClient constructs an LLMClient. baseURL is the chat-completions
// endpoint root (e.g. "https://api.openai.com/v1"); model may be empty if
// the endpoint has its own default.
func NewLLMClient(baseURL, apiKey, model string, timeout time.Duration) *LLMClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

type chatCompletionRequest struct {
	Model          string                 `json:"model,omitempty"`
	Messages       []ConversationMessage  `json:"messages"`
	Temperature    float64                `json:"temperature"`
	ResponseFormat chatResponseFormatSpec `json:"response_format"`
}

type chatResponseFormatSpec struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ChatCompletion sends the conversation with a low temperature and a
// JSON-object response-format hint (spec §4.6 step 2), returning the raw
// assistant content for the caller to extract a JSON object from.
func (c *LLMClient) ChatCompletion(ctx context.Context, messages []ConversationMessage) (string, error) {
	reqBody := chatCompletionRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    0.2,
		ResponseFormat: chatResponseFormatSpec{Type: "json_object"},
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("analyzer: encode chat completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("analyzer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apierr.FromTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return "", fmt.Errorf("analyzer: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apierr.FromStatus(resp.StatusCode, body.String())
	}

	var decoded chatCompletionResponse
	if err := json.Unmarshal(body.Bytes(), &decoded); err != nil {
		return "", fmt.Errorf("analyzer: decode chat completion response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("analyzer: chat completion response had no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}
