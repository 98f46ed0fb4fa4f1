// Package agentclient is the HTTP client for the External Agent Service
// (Cursor's background-agent API): create/inspect/follow-up/stop remote
// agents, and query the service's models/repositories/identity.
package agentclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeready-toolchain/cursorchestrator/pkg/apierr"
)

const defaultBaseURL = "https://api.cursor.com/v0"

// Client is a Basic-auth HTTP client for the External Agent Service.
// Each call takes its own API key rather than reading one from process
// state, so a single Client can serve jobs carrying different credentials.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an agentclient.Client. baseURL defaults to the production
// Cursor API when empty. timeout bounds every individual call.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
}

// PromptSpec carries the free-text instruction sent to a remote agent.
type PromptSpec struct {
	Text string `json:"text"`
}

// SourceSpec identifies the repository and ref an agent operates against.
type SourceSpec struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
}

// TargetSpec controls post-completion behavior.
type TargetSpec struct {
	AutoCreatePR bool `json:"autoCreatePr,omitempty"`
}

// WebhookSpec registers a callback URL and shared secret for status pushes.
type WebhookSpec struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// CreateAgentRequest is the body of POST /agents.
type CreateAgentRequest struct {
	Prompt  PromptSpec   `json:"prompt"`
	Source  SourceSpec   `json:"source"`
	Target  *TargetSpec  `json:"target,omitempty"`
	Model   string       `json:"model,omitempty"`
	Webhook *WebhookSpec `json:"webhook,omitempty"`
}

// CreateAgentResponse is the body of POST /agents' reply.
type CreateAgentResponse struct {
	ID string `json:"id"`
}

// CreateAgent starts a remote agent. A blank req.Model is omitted from the
// outbound JSON entirely (Auto-mode contract, spec §8 boundary behavior),
// which `omitempty` on CreateAgentRequest.Model already guarantees.
func (c *Client) CreateAgent(ctx context.Context, apiKey string, req CreateAgentRequest) (*CreateAgentResponse, error) {
	var out CreateAgentResponse
	if err := c.do(ctx, apiKey, http.MethodPost, "/agents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentTarget is the branch/PR produced by a remote agent, once known.
type AgentTarget struct {
	BranchName string `json:"branchName,omitempty"`
	PRURL      string `json:"prUrl,omitempty"`
}

// GetAgentResponse is the body of GET /agents/{id}.
type GetAgentResponse struct {
	ID      string       `json:"id"`
	Status  string       `json:"status"`
	Target  *AgentTarget `json:"target,omitempty"`
	Summary string       `json:"summary,omitempty"`
}

// GetAgent fetches the current status of a remote agent.
func (c *Client) GetAgent(ctx context.Context, apiKey, agentID string) (*GetAgentResponse, error) {
	var out GetAgentResponse
	if err := c.do(ctx, apiKey, http.MethodGet, "/agents/"+agentID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConversationMessage is one entry of an agent's conversation transcript.
type ConversationMessage struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// GetConversationResponse is the body of GET /agents/{id}/conversation.
type GetConversationResponse struct {
	Messages []ConversationMessage `json:"messages"`
}

// GetConversation fetches the full message transcript for a remote agent.
func (c *Client) GetConversation(ctx context.Context, apiKey, agentID string) (*GetConversationResponse, error) {
	var out GetConversationResponse
	if err := c.do(ctx, apiKey, http.MethodGet, "/agents/"+agentID+"/conversation", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FollowUpRequest is the body of POST /agents/{id}/followup.
type FollowUpRequest struct {
	Prompt PromptSpec `json:"prompt"`
}

// FollowUp sends an additional instruction to a still-running agent.
func (c *Client) FollowUp(ctx context.Context, apiKey, agentID, text string) error {
	return c.do(ctx, apiKey, http.MethodPost, "/agents/"+agentID+"/followup", FollowUpRequest{Prompt: PromptSpec{Text: text}}, nil)
}

// Stop requests that a remote agent halt work.
func (c *Client) Stop(ctx context.Context, apiKey, agentID string) error {
	return c.do(ctx, apiKey, http.MethodPost, "/agents/"+agentID+"/stop", nil, nil)
}

// Delete removes a remote agent's record.
func (c *Client) Delete(ctx context.Context, apiKey, agentID string) error {
	return c.do(ctx, apiKey, http.MethodDelete, "/agents/"+agentID, nil, nil)
}

// ListModelsResponse is the body of GET /models.
type ListModelsResponse struct {
	Models []string `json:"models"`
}

// ListModels returns the model identifiers the service currently accepts.
func (c *Client) ListModels(ctx context.Context, apiKey string) (*ListModelsResponse, error) {
	var out ListModelsResponse
	if err := c.do(ctx, apiKey, http.MethodGet, "/models", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RepositoryInfo is one entry of GET /repositories.
type RepositoryInfo struct {
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	Repository string `json:"repository"`
}

// ListRepositoriesResponse is the body of GET /repositories.
type ListRepositoriesResponse struct {
	Repositories []RepositoryInfo `json:"repositories"`
}

// ListRepositories returns the repositories the given API key can target.
func (c *Client) ListRepositories(ctx context.Context, apiKey string) (*ListRepositoriesResponse, error) {
	var out ListRepositoriesResponse
	if err := c.do(ctx, apiKey, http.MethodGet, "/repositories", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WhoAmIResponse is the body of GET /me.
type WhoAmIResponse struct {
	APIKeyName string `json:"apiKeyName,omitempty"`
	UserEmail  string `json:"userEmail,omitempty"`
}

// WhoAmI identifies the credential's owner, used for diagnostics.
func (c *Client) WhoAmI(ctx context.Context, apiKey string) (*WhoAmIResponse, error) {
	var out WhoAmIResponse
	if err := c.do(ctx, apiKey, http.MethodGet, "/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do executes a single request and, on success, decodes the JSON response
// into out (skipped when out is nil). Every failure is returned as a
// classified *apierr.Error: transport failures via FromTransportError,
// non-2xx responses via FromStatus.
func (c *Client) do(ctx context.Context, apiKey, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return apierr.New(apierr.CodeValidation, fmt.Sprintf("encode request body: %v", err))
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return apierr.New(apierr.CodeValidation, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Authorization", "Basic "+basicAuth(apiKey))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierr.FromTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.FromTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("agent service returned non-2xx", "method", method, "path", path, "status", resp.StatusCode)
		return apierr.FromStatus(resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apierr.New(apierr.CodeCursorAPI, fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

// basicAuth encodes the RFC 7617 "user:pass" form used by the service:
// the API key as username, empty password.
func basicAuth(apiKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(apiKey + ":"))
}
