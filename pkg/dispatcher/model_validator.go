package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agext/levenshtein"

	"github.com/codeready-toolchain/cursorchestrator/pkg/agentclient"
)

// fuzzyMatchThreshold is the similarity score (0-1, from levenshtein.Match)
// at or above which a deprecated model name is substituted for its closest live
// match; below it we fall back to Auto mode rather than guess wrong.
const fuzzyMatchThreshold = 0.6

// ModelValidator resolves a requested model name against the External Agent
// Service's live model list (spec §4.5). The list is cached for an hour and
// refreshed on demand, since every dispatch would otherwise cost an extra
// round trip for a list that rarely changes.
type ModelValidator struct {
	client *agentclient.Client
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	models    map[string]bool
	fetchedAt time.Time
}

// NewModelValidator constructs a ModelValidator. ttl defaults to one hour.
func NewModelValidator(client *agentclient.Client, ttl time.Duration) *ModelValidator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ModelValidator{client: client, ttl: ttl, logger: slog.Default().With("component", "model_validator")}
}

// Resolve implements spec §4.5's model validation policy: empty input means
// Auto mode (return ""); a recognized name passes through unchanged; an
// unrecognized name is fuzzy-matched against the live list and substituted
// on a high-confidence hit, otherwise falls back to Auto mode.
func (v *ModelValidator) Resolve(ctx context.Context, apiKey, model string) string {
	if model == "" {
		return ""
	}

	known, err := v.list(ctx, apiKey)
	if err != nil {
		v.logger.Warn("model list unavailable, using requested model as-is", "model", model, "error", err)
		return model
	}

	if known[model] {
		return model
	}

	best, score := v.closestMatch(model, known)
	if score >= fuzzyMatchThreshold {
		v.logger.Info("substituted deprecated model name", "requested", model, "substituted", best, "score", score)
		return best
	}

	v.logger.Warn("unrecognized model name, falling back to auto mode", "requested", model)
	return ""
}

func (v *ModelValidator) closestMatch(model string, known map[string]bool) (string, float64) {
	var best string
	var bestScore float64
	for candidate := range known {
		score := levenshtein.Match(model, candidate, nil)
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	return best, bestScore
}

// list returns the cached model set, refreshing it if the TTL has elapsed.
func (v *ModelValidator) list(ctx context.Context, apiKey string) (map[string]bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.models != nil && time.Since(v.fetchedAt) < v.ttl {
		return v.models, nil
	}

	resp, err := v.client.ListModels(ctx, apiKey)
	if err != nil {
		if v.models != nil {
			return v.models, nil // serve the stale cache rather than fail the dispatch
		}
		return nil, err
	}

	models := make(map[string]bool, len(resp.Models))
	for _, m := range resp.Models {
		models[m] = true
	}
	v.models = models
	v.fetchedAt = time.Now()
	return v.models, nil
}

// Refresh forces an immediate re-fetch on the next Resolve call, per spec
// §4.5's "refreshed on demand" clause.
func (v *ModelValidator) Refresh() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fetchedAt = time.Time{}
}
