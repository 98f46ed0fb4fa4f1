package analyzer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/cursorchestrator/pkg/analyzer"
	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
)

func TestAnalyzeWithoutLLMFallsBackToRules(t *testing.T) {
	a := analyzer.New(nil, nil)
	d := a.Analyze(context.Background(), analyzer.Input{Iterations: 1, MaxIterations: 10})
	assert.Equal(t, store.ActionContinue, d.Action)
	assert.InDelta(t, 0.5, d.Confidence, 0.0001)
}

func TestRuleBasedFallbackDetectsErrorInLastAssistantMessage(t *testing.T) {
	a := analyzer.New(nil, nil)
	d := a.Analyze(context.Background(), analyzer.Input{
		Iterations: 1,
		Conversation: []analyzer.ConversationMessage{
			{Role: analyzer.RoleUser, Content: "please fix the build"},
			{Role: analyzer.RoleAssistant, Content: "I ran the build and it failed with an error"},
		},
	})
	assert.Equal(t, store.ActionFix, d.Action)
	assert.InDelta(t, 0.6, d.Confidence, 0.0001)
}

func TestRuleBasedFallbackRequestsTestsAfterFiveIterations(t *testing.T) {
	a := analyzer.New(nil, nil)
	d := a.Analyze(context.Background(), analyzer.Input{
		Iterations: 5,
		Conversation: []analyzer.ConversationMessage{
			{Role: analyzer.RoleAssistant, Content: "implemented the feature"},
		},
	})
	assert.Equal(t, store.ActionTest, d.Action)
	assert.InDelta(t, 0.7, d.Confidence, 0.0001)
}

func TestRuleBasedFallbackPrefersErrorSignalOverIterationCount(t *testing.T) {
	a := analyzer.New(nil, nil)
	d := a.Analyze(context.Background(), analyzer.Input{
		Iterations: 9,
		Conversation: []analyzer.ConversationMessage{
			{Role: analyzer.RoleAssistant, Content: "the deploy failed"},
		},
	})
	assert.Equal(t, store.ActionFix, d.Action)
}

func newTestServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestAnalyzeUsesLLMDecisionWhenValid(t *testing.T) {
	srv := newTestServer(t, `{"action":"TEST","reasoning":"looks done, verify","followup_message":"run tests","confidence":0.9,"tasks_completed":["a"],"tasks_remaining":[]}`, http.StatusOK)
	defer srv.Close()

	llm := analyzer.NewLLMClient(srv.URL, "key", "gpt-test", 0)
	a := analyzer.New(llm, nil)

	d := a.Analyze(context.Background(), analyzer.Input{Iterations: 1, MaxIterations: 10})
	assert.Equal(t, store.ActionTest, d.Action)
	assert.Equal(t, 0.9, d.Confidence)
	assert.Equal(t, []string{"a"}, d.TasksCompleted)
}

func TestAnalyzeExtractsJSONWrappedInProseAndFences(t *testing.T) {
	content := "Sure thing! Here's my decision:\n```json\n{\"action\":\"CONTINUE\",\"reasoning\":\"ok\",\"followup_message\":\"keep going\",\"confidence\":0.8}\n```\nLet me know if you need anything else."
	srv := newTestServer(t, content, http.StatusOK)
	defer srv.Close()

	llm := analyzer.NewLLMClient(srv.URL, "key", "", 0)
	a := analyzer.New(llm, nil)

	d := a.Analyze(context.Background(), analyzer.Input{Iterations: 1, TasksRemaining: []string{"x"}})
	assert.Equal(t, store.ActionContinue, d.Action)
	// Decision omitted tasks_remaining, so the original input value survives.
	assert.Equal(t, []string{"x"}, d.TasksRemaining)
}

func TestAnalyzeFallsBackWhenLLMReturnsUnrecognizedAction(t *testing.T) {
	srv := newTestServer(t, `{"action":"REWRITE_EVERYTHING","confidence":0.9}`, http.StatusOK)
	defer srv.Close()

	llm := analyzer.NewLLMClient(srv.URL, "key", "", 0)
	a := analyzer.New(llm, nil)

	d := a.Analyze(context.Background(), analyzer.Input{Iterations: 1})
	// Falls back to rule-based CONTINUE since no error signal and iterations < 5.
	assert.Equal(t, store.ActionContinue, d.Action)
	assert.InDelta(t, 0.5, d.Confidence, 0.0001)
}

func TestAnalyzeFallsBackOnHTTPErrorStatus(t *testing.T) {
	srv := newTestServer(t, "", http.StatusInternalServerError)
	defer srv.Close()

	llm := analyzer.NewLLMClient(srv.URL, "key", "", 0)
	a := analyzer.New(llm, nil)

	d := a.Analyze(context.Background(), analyzer.Input{Iterations: 5})
	assert.Equal(t, store.ActionTest, d.Action)
}

func TestAnalyzeClampsOutOfRangeConfidence(t *testing.T) {
	srv := newTestServer(t, `{"action":"COMPLETE","confidence":4.2}`, http.StatusOK)
	defer srv.Close()

	llm := analyzer.NewLLMClient(srv.URL, "key", "", 0)
	a := analyzer.New(llm, nil)

	d := a.Analyze(context.Background(), analyzer.Input{Iterations: 1})
	assert.Equal(t, store.ActionComplete, d.Action)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestLLMClientReturnsErrorOnUnreachableServer(t *testing.T) {
	llm := analyzer.NewLLMClient("http://127.0.0.1:1", "key", "", 0)
	_, err := llm.ChatCompletion(context.Background(), []analyzer.ConversationMessage{{Role: analyzer.RoleUser, Content: "hi"}})
	require.Error(t, err)
}
