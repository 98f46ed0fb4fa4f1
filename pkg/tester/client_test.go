package tester

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/cursorchestrator/pkg/apierr"
)

func TestRunSendsRepositoryAndBranch(t *testing.T) {
	var gotReq RunRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/run", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(Result{Success: true, Output: "all green"})
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	result, err := client.Run(context.Background(), "foo/bar", "feature/x")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "foo/bar", gotReq.Repository)
	assert.Equal(t, "feature/x", gotReq.Branch)
}

func TestRunDecodesFailureWithErrorsAndCounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(Result{
			Success:    false,
			Output:     "2 tests failed",
			Errors:     []string{"TestFoo failed", "TestBar failed"},
			TestCounts: &TestCounts{Total: 10, Passed: 8, Failed: 2},
		})
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	result, err := client.Run(context.Background(), "foo/bar", "feature/x")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Len(t, result.Errors, 2)
	assert.Equal(t, 2, result.TestCounts.Failed)
}

func TestRunReturnsRepoCloneFailedOn422(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"branch not found"}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.Run(context.Background(), "foo/bar", "missing-branch")
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeRepoCloneFail, apiErr.Code)
}

func TestRunClassifiesServerErrorAsCursorAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.Run(context.Background(), "foo/bar", "feature/x")
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeCursorAPI, apiErr.Code)
}

func TestNewDefaultsTimeoutToStepBudgetPlusSlack(t *testing.T) {
	client := New("https://tester.internal", 0)
	assert.Equal(t, totalStepBudget+time.Minute, client.httpClient.Timeout)
}
