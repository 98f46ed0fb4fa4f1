// Package tester is the HTTP client for the external Tester service: given
// a repository and branch, it checks out the branch and runs
// install → lint → test → build, returning one aggregate result.
package tester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeready-toolchain/cursorchestrator/pkg/apierr"
)

// Per-step timeouts per spec: install 5 min, lint 2 min, test 5 min, build
// 5 min. These bound the Tester's own sequential run; they are not sent in
// the request. The client's default HTTP timeout is their sum plus slack
// (see New).
const (
	InstallTimeout = 5 * time.Minute
	LintTimeout    = 2 * time.Minute
	TestTimeout    = 5 * time.Minute
	BuildTimeout   = 5 * time.Minute
)

// totalStepBudget is the sum of every step's timeout, used to size the
// client's default per-call HTTP timeout with headroom for overhead.
var totalStepBudget = InstallTimeout + LintTimeout + TestTimeout + BuildTimeout

// Client runs the external Tester over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a tester.Client pointed at baseURL (e.g.
// "https://tester.internal"). A zero timeout defaults to the combined
// install+lint+test+build budget plus one minute of slack.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = totalStepBudget + time.Minute
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
}

// RunRequest parameterizes a checkout+install+lint+test+build run.
type RunRequest struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
}

// TestCounts summarizes a test-suite run.
type TestCounts struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// CodeQuality is an optional static-analysis summary.
type CodeQuality struct {
	Score  int      `json:"score"`
	Issues []string `json:"issues,omitempty"`
}

// Result is the single aggregate response the Tester returns after running
// every step it could reach (a failure at any step stops the sequence).
type Result struct {
	Success     bool         `json:"success"`
	Output      string       `json:"output"`
	Errors      []string     `json:"errors,omitempty"`
	TestCounts  *TestCounts  `json:"test_counts,omitempty"`
	Coverage    *float64     `json:"coverage,omitempty"`
	CodeQuality *CodeQuality `json:"code_quality,omitempty"`
}

// Run checks out branch in repository and runs install, lint, test, and
// build in sequence, stopping at the first failing step. The returned
// Result always reflects whatever steps actually ran; a REPO_CLONE_FAILED
// apierr.Error is returned only when the checkout itself could not start
// (the Tester never reached install).
func (c *Client) Run(ctx context.Context, repository, branch string) (*Result, error) {
	encoded, err := json.Marshal(RunRequest{Repository: repository, Branch: branch})
	if err != nil {
		return nil, apierr.New(apierr.CodeValidation, fmt.Sprintf("encode run request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(encoded))
	if err != nil {
		return nil, apierr.New(apierr.CodeValidation, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.FromTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.FromTransportError(err)
	}

	if resp.StatusCode == http.StatusUnprocessableEntity {
		// The Tester uses 422 to signal it never got past checkout.
		return nil, apierr.NewWithStatus(apierr.CodeRepoCloneFail, resp.StatusCode, truncate(string(body), 200))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("tester returned non-2xx", "status", resp.StatusCode)
		return nil, apierr.FromStatus(resp.StatusCode, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apierr.New(apierr.CodeCursorAPI, fmt.Sprintf("decode tester response: %v", err))
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
