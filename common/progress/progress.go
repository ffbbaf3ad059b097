package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisWrapper "github.com/lyzr/stateflow/common/redis"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Event is one progress update pushed to watching clients
type Event struct {
	ExecutionARN     string    `json:"execution_arn"`
	OwnerID          string    `json:"owner_id"`
	WorkflowID       string    `json:"workflow_id"`
	Status           string    `json:"status"`
	SegmentID        int       `json:"segment_id"`
	Transition       string    `json:"transition,omitempty"`
	CompletedUnits   int       `json:"completed_units"`
	EstimatedUnits   int       `json:"estimated_units"`
	ETASeconds       int64     `json:"eta_seconds,omitempty"`
	Milestone        bool      `json:"milestone"`
	Timestamp        time.Time `json:"timestamp"`
	TerminalErrorMsg string    `json:"error,omitempty"`

	// Set on HITP pauses: the resume capability handed to the approver.
	// The channel is owner-scoped, so only the owner sees it.
	ConversationID string `json:"conversation_id,omitempty"`
	TaskToken      string `json:"task_token,omitempty"`
}

// Channel returns the owner-scoped pub/sub channel name
func Channel(ownerID string) string {
	return fmt.Sprintf("workflow:events:%s", ownerID)
}

// Publisher pushes progress events over Redis pub/sub
type Publisher struct {
	redis  *redisWrapper.Client
	logger Logger
}

// NewPublisher creates a progress publisher
func NewPublisher(redis *redisWrapper.Client, logger Logger) *Publisher {
	return &Publisher{redis: redis, logger: logger}
}

// Publish sends one event. Publish failures are logged, never fatal;
// progress is advisory.
func (p *Publisher) Publish(ctx context.Context, event *Event) {
	event.Timestamp = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode progress event", "error", err)
		return
	}
	if err := p.redis.PublishEvent(ctx, Channel(event.OwnerID), string(data)); err != nil {
		p.logger.Warn("failed to publish progress event",
			"execution_arn", event.ExecutionARN, "error", err)
	}
}

// Tracker computes ETA from the loop-weighted execution estimate and
// throttles durable progress writes. Events always publish; DB writes
// only happen on milestones or after the minimum interval.
type Tracker struct {
	estimatedUnits int
	writeInterval  time.Duration

	completedUnits int
	startedAt      time.Time
	lastWrite      time.Time
}

// NewTracker creates a tracker for one execution
func NewTracker(estimatedUnits int, writeInterval time.Duration) *Tracker {
	return &Tracker{
		estimatedUnits: estimatedUnits,
		writeInterval:  writeInterval,
		startedAt:      time.Now().UTC(),
	}
}

// Advance records completed work units
func (t *Tracker) Advance(units int) {
	t.completedUnits += units
}

// Completed returns the completed unit count
func (t *Tracker) Completed() int { return t.completedUnits }

// Estimated returns the loop-weighted estimate
func (t *Tracker) Estimated() int { return t.estimatedUnits }

// ETA projects the remaining seconds from observed throughput.
// Zero when nothing completed yet or the estimate is exhausted.
func (t *Tracker) ETA(now time.Time) int64 {
	if t.completedUnits <= 0 || t.completedUnits >= t.estimatedUnits {
		return 0
	}
	elapsed := now.Sub(t.startedAt)
	if elapsed <= 0 {
		return 0
	}
	perUnit := elapsed / time.Duration(t.completedUnits)
	remaining := time.Duration(t.estimatedUnits-t.completedUnits) * perUnit
	return int64(remaining.Seconds())
}

// ShouldWrite reports whether a durable progress write is due.
// Milestones (segment boundary, pause, terminal) always write.
func (t *Tracker) ShouldWrite(now time.Time, milestone bool) bool {
	if milestone || t.lastWrite.IsZero() || now.Sub(t.lastWrite) >= t.writeInterval {
		t.lastWrite = now
		return true
	}
	return false
}
