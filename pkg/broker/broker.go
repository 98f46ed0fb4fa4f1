// Package broker is the optional low-latency path for webhook-driven work:
// a Redis Streams adapter used as a faster alternative to polling the
// outbox. Presence is probed once at boot; its absence is never fatal —
// the webhook gateway falls back to a best-effort direct call to the
// reducer. Stream entries are not mirrored into the outbox.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue name and consumer group, per spec §6.4.
const (
	StreamName       = "orchestrator"
	DeadLetterStream = "orchestrator:dead"
	ConsumerGroup    = "orchestrator"
)

// JobType names the kind of work a Job carries.
type JobType string

const (
	// JobProcessWebhook carries a webhook-driven status-change event.
	JobProcessWebhook JobType = "process-webhook"
	// JobStartOrchestration carries a kickoff request, used when the
	// broker is preferred over a fresh outbox row for lower latency.
	JobStartOrchestration JobType = "start-orchestration"
)

// Job options per spec §6.4: attempts=3, exponential backoff starting at
// 5s, and the retention counts used when trimming completed/failed entries.
const (
	MaxAttempts      = 3
	BaseBackoff      = 5 * time.Second
	RemoveOnComplete = 100
	RemoveOnFail     = 1000
)

// Job is one unit of work published to the stream. Payload is a tagged
// variant keyed by Type — unknown types route to the dead-letter stream
// rather than panicking a consumer (spec §9's tagged-variant redesign).
type Job struct {
	ID      string          `json:"id"`
	Type    JobType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// field names used in the Redis Streams entry — XAdd values must be
// strings/[]byte, so the Job envelope is JSON-encoded into one field.
const fieldJob = "job"

// Broker wraps a Redis client with the stream operations the Webhook
// Gateway (producer) and Broker Worker (consumer) need.
type Broker struct {
	rdb *redis.Client
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle (creation from config, Close on shutdown).
func New(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

// Probe checks broker availability at boot. A non-nil error means the
// broker is absent or unreachable — callers treat this as informational,
// never fatal, per spec §2's "optional" designation.
func (b *Broker) Probe(ctx context.Context) error {
	if b.rdb == nil {
		return fmt.Errorf("broker: no redis client configured")
	}
	return b.rdb.Ping(ctx).Err()
}

// Enqueue publishes a job to the stream, returning the Redis-assigned
// entry ID. jobType and payload are wrapped into a Job with a fresh UUID.
func (b *Broker) Enqueue(ctx context.Context, jobType JobType, payload any) (string, error) {
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("broker: encode payload: %w", err)
	}
	job := Job{ID: uuid.New().String(), Type: jobType, Payload: encodedPayload}
	encodedJob, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("broker: encode job: %w", err)
	}

	entryID, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		MaxLen: RemoveOnComplete + RemoveOnFail,
		Approx: true,
		Values: map[string]any{fieldJob: encodedJob},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("broker: xadd: %w", err)
	}
	return entryID, nil
}

// EnsureGroup creates the consumer group if it does not already exist.
// The BUSYGROUP error (group already present) is swallowed.
func (b *Broker) EnsureGroup(ctx context.Context) error {
	err := b.rdb.XGroupCreateMkStream(ctx, StreamName, ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("broker: create consumer group: %w", err)
	}
	return nil
}

// ReadGroup claims up to count undelivered entries for consumerName,
// blocking up to block for new entries (0 blocks until an entry arrives; a
// negative value returns immediately).
func (b *Broker) ReadGroup(ctx context.Context, consumerName string, count int64, block time.Duration) ([]Delivery, error) {
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: consumerName,
		Streams:  []string{StreamName, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("broker: xreadgroup: %w", err)
	}
	return decodeDeliveries(streams)
}

// ClaimStale takes over entries idle for at least minIdle, assigning them
// to consumerName. Used by a consumer recovering work abandoned by a dead
// peer (the same age-based takeback idiom as the outbox reclaim sweep).
func (b *Broker) ClaimStale(ctx context.Context, consumerName string, minIdle time.Duration, count int64) ([]Delivery, error) {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamName,
		Group:  ConsumerGroup,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}

	messages, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   StreamName,
		Group:    ConsumerGroup,
		Consumer: consumerName,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: xclaim: %w", err)
	}
	return decodeMessages(messages)
}

// Ack acknowledges successful processing of the given stream entry IDs.
func (b *Broker) Ack(ctx context.Context, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, StreamName, ConsumerGroup, entryIDs...).Err(); err != nil {
		return fmt.Errorf("broker: xack: %w", err)
	}
	return nil
}

// DeadLetter records a job that exhausted MaxAttempts to the dead-letter
// stream, then acknowledges the original entry so it stops being delivered.
func (b *Broker) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	encodedJob, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("broker: encode dead-lettered job: %w", err)
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream,
		MaxLen: RemoveOnFail,
		Approx: true,
		Values: map[string]any{fieldJob: encodedJob, "reason": reason},
	}).Err(); err != nil {
		return fmt.Errorf("broker: xadd dead-letter: %w", err)
	}
	return b.Ack(ctx, d.EntryID)
}

// Delivery pairs a decoded Job with the Redis Streams entry ID needed to
// Ack or dead-letter it.
type Delivery struct {
	EntryID string
	Job     Job
}

func decodeDeliveries(streams []redis.XStream) ([]Delivery, error) {
	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return decodeMessages(messages)
}

func decodeMessages(messages []redis.XMessage) ([]Delivery, error) {
	deliveries := make([]Delivery, 0, len(messages))
	for _, m := range messages {
		raw, ok := m.Values[fieldJob].(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		deliveries = append(deliveries, Delivery{EntryID: m.ID, Job: job})
	}
	return deliveries, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
