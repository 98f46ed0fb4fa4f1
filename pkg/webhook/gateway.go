// Package webhook is the inbound HTTP gateway for status-change events
// pushed by the external agent service: HMAC verification, parsing, and
// dual delivery to the broker (fast path) or directly to the reducer
// (best-effort fallback).
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/cursorchestrator/pkg/broker"
)

// Header names carrying signature and delivery metadata, per spec §6.1.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderID        = "X-Webhook-ID"
	HeaderEvent     = "X-Webhook-Event"

	eventStatusChange = "statusChange"
)

// Status values the reducer acts on; anything else is logged and accepted
// without action (spec §4.1 step 4, §8 boundary behavior).
const (
	StatusFinished = "FINISHED"
	StatusError    = "ERROR"
)

// SourceInfo is the repository/ref a status-change event refers to.
type SourceInfo struct {
	Repository string `json:"repository,omitempty"`
	Ref        string `json:"ref,omitempty"`
}

// TargetInfo is the branch/PR produced by the remote agent, if any.
type TargetInfo struct {
	URL        string `json:"url,omitempty"`
	BranchName string `json:"branchName,omitempty"`
	PRURL      string `json:"prUrl,omitempty"`
}

// StatusChangeEvent is the body schema of spec §6.1.
type StatusChangeEvent struct {
	Event   string      `json:"event"`
	AgentID string      `json:"id"`
	Status  string      `json:"status"`
	Source  *SourceInfo `json:"source,omitempty"`
	Target  *TargetInfo `json:"target,omitempty"`
	Summary string      `json:"summary,omitempty"`
}

// ActsOn reports whether this event's status is one the reducer consumes.
func (e StatusChangeEvent) ActsOn() bool {
	return e.Status == StatusFinished || e.Status == StatusError
}

// EventProcessor is the orchestrator's entry point for a single webhook
// event. The gateway depends only on this interface (spec §9's
// dependency-injected-interfaces redesign), never on a concrete
// orchestrator type.
type EventProcessor interface {
	ProcessWebhookEvent(ctx context.Context, evt StatusChangeEvent) error
}

// Gateway is the Gin handler for POST /webhooks/agent.
type Gateway struct {
	secret    string
	brk       *broker.Broker
	processor EventProcessor
	logger    *slog.Logger
}

// New constructs a Gateway. secret may be empty — per spec §6.7, an empty
// secret disables signature verification rather than rejecting all
// requests. brk may be nil — its absence only removes the fast path.
func New(secret string, brk *broker.Broker, processor EventProcessor) *Gateway {
	return &Gateway{secret: secret, brk: brk, processor: processor, logger: slog.Default()}
}

// RegisterRoutes mounts the gateway's endpoint on the given router group.
func (g *Gateway) RegisterRoutes(rg gin.IRoutes) {
	rg.POST("/webhooks/agent", g.handle)
}

// receipt is the always-200 acknowledgement body.
type receipt struct {
	OK       bool           `json:"ok"`
	Received receivedFields `json:"received"`
}

type receivedFields struct {
	Event        string `json:"event"`
	WebhookEvent string `json:"webhookEvent"`
	AgentID      string `json:"agentId"`
	Status       string `json:"status"`
	Processed    bool   `json:"processed"`
}

// handle implements spec §4.1 steps 1-6.
func (g *Gateway) handle(c *gin.Context) {
	// 1. Read the raw body exactly once.
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	// 2-3. Verify (or skip) the HMAC signature.
	if g.secret != "" {
		if !verifySignature(g.secret, body, c.GetHeader(HeaderSignature)) {
			g.logger.Warn("webhook signature mismatch", "webhook_id", c.GetHeader(HeaderID))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	} else {
		g.logger.Warn("webhook received with no configured secret; accepting unverified", "webhook_id", c.GetHeader(HeaderID))
	}

	// 4. Parse the status-change body. Unknown event kinds are accepted,
	// not rejected.
	var evt StatusChangeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	webhookEventHeader := c.GetHeader(HeaderEvent)
	if webhookEventHeader != "" && webhookEventHeader != eventStatusChange {
		g.logger.Info("webhook event kind not recognized, accepting without action", "webhook_event", webhookEventHeader)
	}

	processed := false
	if evt.ActsOn() {
		processed = g.dispatch(c.Request.Context(), evt)
	} else {
		g.logger.Info("webhook status does not trigger reducer action", "agent_id", evt.AgentID, "status", evt.Status)
	}

	// 6. Always 200, regardless of delivery outcome.
	c.JSON(http.StatusOK, receipt{
		OK: true,
		Received: receivedFields{
			Event:        evt.Event,
			WebhookEvent: webhookEventHeader,
			AgentID:      evt.AgentID,
			Status:       evt.Status,
			Processed:    processed,
		},
	})
}

// dispatch attempts delivery via the broker first; on any broker error
// (including an absent broker) it falls through to a best-effort, in-process
// call to the reducer (spec §4.1 step 5 — webhook-driven delivery is
// best-effort, unlike the durable outbox path used for kickoff).
func (g *Gateway) dispatch(ctx context.Context, evt StatusChangeEvent) bool {
	if g.brk != nil {
		if _, err := g.brk.Enqueue(ctx, broker.JobProcessWebhook, evt); err == nil {
			return true
		} else {
			g.logger.Warn("broker enqueue failed, falling back to best-effort delivery", "agent_id", evt.AgentID, "error", err)
		}
	}

	if g.processor == nil {
		return false
	}
	go func() {
		if err := g.processor.ProcessWebhookEvent(context.WithoutCancel(ctx), evt); err != nil {
			g.logger.Warn("best-effort webhook processing failed", "agent_id", evt.AgentID, "error", err)
		}
	}()
	return true
}

// verifySignature compares the HMAC-SHA256 of body against header, which
// is expected in the form "sha256=<hex>". Comparison is constant-time.
func verifySignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")

	expected, err := hex.DecodeString(header)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := mac.Sum(nil)

	return hmac.Equal(computed, expected)
}
