package dispatcher_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/cursorchestrator/pkg/agentclient"
	"github.com/codeready-toolchain/cursorchestrator/pkg/dispatcher"
)

func newModelsServer(t *testing.T, models []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestModelValidatorResolvesEmptyToAutoMode(t *testing.T) {
	srv := newModelsServer(t, []string{"claude-4-sonnet"})
	client := agentclient.New(srv.URL, time.Second)
	v := dispatcher.NewModelValidator(client, time.Hour)

	assert.Equal(t, "", v.Resolve(t.Context(), "key", ""))
}

func TestModelValidatorPassesThroughKnownModel(t *testing.T) {
	srv := newModelsServer(t, []string{"claude-4-sonnet", "gpt-5"})
	client := agentclient.New(srv.URL, time.Second)
	v := dispatcher.NewModelValidator(client, time.Hour)

	assert.Equal(t, "gpt-5", v.Resolve(t.Context(), "key", "gpt-5"))
}

func TestModelValidatorFuzzyMatchesDeprecatedName(t *testing.T) {
	srv := newModelsServer(t, []string{"claude-4-sonnet"})
	client := agentclient.New(srv.URL, time.Second)
	v := dispatcher.NewModelValidator(client, time.Hour)

	assert.Equal(t, "claude-4-sonnet", v.Resolve(t.Context(), "key", "claude-4-sonet"))
}

func TestModelValidatorFallsBackToAutoOnLowConfidence(t *testing.T) {
	srv := newModelsServer(t, []string{"claude-4-sonnet"})
	client := agentclient.New(srv.URL, time.Second)
	v := dispatcher.NewModelValidator(client, time.Hour)

	assert.Equal(t, "", v.Resolve(t.Context(), "key", "totally-unrelated-model-name"))
}

func TestModelValidatorServesStaleCacheWhenRefreshFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"models": []string{"gpt-5"}})
	}))
	t.Cleanup(srv.Close)

	client := agentclient.New(srv.URL, time.Second)
	v := dispatcher.NewModelValidator(client, time.Hour)

	require.Equal(t, "gpt-5", v.Resolve(t.Context(), "key", "gpt-5"))

	v.Refresh()
	assert.Equal(t, "gpt-5", v.Resolve(t.Context(), "key", "gpt-5"), "stale cache should still serve the known model after a failed refresh")
}
