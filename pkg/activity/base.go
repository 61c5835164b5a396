// Package activity provides shared infrastructure for Temporal activity
// implementations: execution-context extraction, panic-safe logging, and
// best-effort event emission.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/amarmakonis/assessment-engine/pkg/events"
)

// ExecutionContext carries workflow execution metadata into activity code.
type ExecutionContext struct {
	WorkflowID string
	RunID      string
	ActivityID string
}

// BaseActivities is embedded by every activity set. It centralizes event
// emission and context extraction so activity code stays on domain logic.
type BaseActivities struct {
	eventSink events.EventSink
}

// NewBaseActivities creates the shared base. A nil sink disables emission.
func NewBaseActivities(sink events.EventSink) BaseActivities {
	return BaseActivities{eventSink: sink}
}

// GetExecutionContext extracts workflow execution metadata. Outside a real
// activity context (tests), placeholder IDs are returned; the RunID
// placeholder carries a random suffix that differs on every call.
func (b *BaseActivities) GetExecutionContext(ctx context.Context) ExecutionContext {
	var ec ExecutionContext

	func() {
		defer func() {
			if recover() != nil {
				ec.WorkflowID = "test-workflow"
				ec.RunID = "test-run-" + uuid.New().String()[:8]
				ec.ActivityID = "test-activity"
			}
		}()
		info := activity.GetInfo(ctx)
		ec.WorkflowID = info.WorkflowExecution.ID
		ec.RunID = info.WorkflowExecution.RunID
		ec.ActivityID = info.ActivityID
	}()

	return ec
}

// EmitEventSafe emits with a short retry and never fails the caller. Events
// matter for observability, not correctness.
func (b *BaseActivities) EmitEventSafe(ctx context.Context, envelope events.Envelope, description string) {
	if b.eventSink == nil {
		return
	}

	const maxAttempts = 2
	const retryDelay = 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				SafeLogError(ctx, fmt.Sprintf("event emission cancelled: %s", description),
					"event_type", envelope.Type)
				return
			}
		}

		if err := b.eventSink.Append(ctx, envelope); err != nil {
			lastErr = err
			continue
		}
		return
	}

	SafeLogError(ctx, fmt.Sprintf("failed to emit %s after %d attempts", description, maxAttempts),
		"event_type", envelope.Type,
		"error", lastErr)
}

// RecordHeartbeat records activity progress; safe outside activity contexts.
func (b *BaseActivities) RecordHeartbeat(ctx context.Context, details ...any) {
	RecordHeartbeat(ctx, details...)
}

// SafeLog logs through the activity logger, silently ignoring non-activity
// contexts so the same code path runs in tests.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	defer func() {
		_ = recover()
	}()
	activity.GetLogger(ctx).Info(msg, keyvals...)
}

// SafeLogError logs at error level; safe outside activity contexts.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	defer func() {
		_ = recover()
	}()
	activity.GetLogger(ctx).Error(msg, keyvals...)
}

// RecordHeartbeat records a heartbeat; safe outside activity contexts.
func RecordHeartbeat(ctx context.Context, details ...any) {
	defer func() {
		_ = recover()
	}()
	activity.RecordHeartbeat(ctx, details...)
}
