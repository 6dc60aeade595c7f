package jobflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Task is what a handler receives for one claimed job.
type Task struct {
	Job     *Job
	Payload []byte
	File    *File

	// Heartbeat refreshes the job's liveness. Failures are logged by the
	// worker and never reach the handler.
	Heartbeat func()
}

// MakeHandler builds a JobHandler that decodes the JSON payload into P before
// calling fn. A payload that does not decode fails the attempt.
func MakeHandler[P any](fn func(ctx context.Context, t *Task, payload P) error) JobHandler {
	return func(ctx context.Context, t *Task) error {
		var p P
		if len(t.Payload) > 0 {
			if err := json.Unmarshal(t.Payload, &p); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
		}
		return fn(ctx, t, p)
	}
}

// EncodePayload marshals v for NewJob.Payload.
func EncodePayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
