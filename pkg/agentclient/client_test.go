package agentclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/cursorchestrator/pkg/apierr"
)

func TestCreateAgentSendsBasicAuthAndBody(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	var gotBody CreateAgentRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(CreateAgentResponse{ID: "agent-123"})
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	resp, err := client.CreateAgent(context.Background(), "my-api-key", CreateAgentRequest{
		Prompt: PromptSpec{Text: "Add a README"},
		Source: SourceSpec{Repository: "foo/bar", Ref: "main"},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-123", resp.ID)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/agents", gotPath)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("my-api-key:")), gotAuth)
	assert.Equal(t, "foo/bar", gotBody.Source.Repository)
	assert.Empty(t, gotBody.Model, "blank model must be omitted from the outbound JSON")
}

func TestCreateAgentOmitsModelFieldWhenBlank(t *testing.T) {
	var rawBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rawBody))
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(CreateAgentResponse{ID: "a"})
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.CreateAgent(context.Background(), "key", CreateAgentRequest{
		Prompt: PromptSpec{Text: "text"},
		Source: SourceSpec{Repository: "foo/bar"},
	})
	require.NoError(t, err)

	_, present := rawBody["model"]
	assert.False(t, present)
}

func TestGetAgentDecodesTargetAndSummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/agent-123", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(GetAgentResponse{
			ID:      "agent-123",
			Status:  "FINISHED",
			Target:  &AgentTarget{BranchName: "feature/x", PRURL: "https://github.com/foo/bar/pull/1"},
			Summary: "Added README",
		})
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	resp, err := client.GetAgent(context.Background(), "key", "agent-123")
	require.NoError(t, err)
	assert.Equal(t, "FINISHED", resp.Status)
	assert.Equal(t, "feature/x", resp.Target.BranchName)
}

func TestUnauthorizedClassifiesAsAuthFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.GetAgent(context.Background(), "bad-key", "agent-123")
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeAuthFailed, apiErr.Code)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestRateLimitedClassifiesAsRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	err := client.Stop(context.Background(), "key", "agent-123")
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeRateLimit, apiErr.Code)
}

func TestServerErrorClassifiesAsCursorAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.ListModels(context.Background(), "key")
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeCursorAPI, apiErr.Code)
}

func TestTransportFailureClassifiesAsNetworkError(t *testing.T) {
	client := New("http://127.0.0.1:0", 50*time.Millisecond)

	_, err := client.WhoAmI(context.Background(), "key")
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeNetwork, apiErr.Code)
}

func TestFollowUpAndDeleteSendExpectedMethods(t *testing.T) {
	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	require.NoError(t, client.FollowUp(context.Background(), "key", "agent-1", "keep going"))
	require.NoError(t, client.Delete(context.Background(), "key", "agent-1"))

	assert.Equal(t, []string{
		"POST /agents/agent-1/followup",
		"DELETE /agents/agent-1",
	}, methods)
}

func TestListRepositoriesDecodesEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(ListRepositoriesResponse{
			Repositories: []RepositoryInfo{{Owner: "foo", Name: "bar", Repository: "foo/bar"}},
		})
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	resp, err := client.ListRepositories(context.Background(), "key")
	require.NoError(t, err)
	require.Len(t, resp.Repositories, 1)
	assert.Equal(t, "foo/bar", resp.Repositories[0].Repository)
}

func TestNewDefaultsBaseURLAndTimeout(t *testing.T) {
	client := New("", 0)
	assert.Equal(t, defaultBaseURL, client.baseURL)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}
