package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lalithlochan/carbonsnap/internal/db"
)

// ErrMalformedJob is returned by DecodeJob for payloads that cannot be
// delivered.
var ErrMalformedJob = errors.New("malformed notification job")

// Job is the confirmation request carried through the broker. It is a
// snapshot of the operation at creation time.
type Job struct {
	OperationID string    `json:"operation_id"`
	Type        string    `json:"type"`
	Amount      float64   `json:"amount"`
	CarbonScore float64   `json:"carbon_score"`
	UserEmail   string    `json:"user_email"`
	CreatedAt   time.Time `json:"created_at"`

	// EnqueuedAt is unix nanoseconds at enqueue, used for latency metrics.
	EnqueuedAt int64 `json:"enqueued_at,omitempty"`
}

// NewJob snapshots op. An operation without an owner yields a job with an
// empty UserEmail, which the dispatcher skips.
func NewJob(op *db.Operation) Job {
	job := Job{
		OperationID: op.OperationID,
		Type:        op.Type,
		Amount:      op.Amount,
		CarbonScore: op.CarbonScore,
		CreatedAt:   op.CreatedAt,
	}
	if op.UserEmail != nil {
		job.UserEmail = *op.UserEmail
	}
	return job
}

// Encode serializes the job for a queue.
func (j Job) Encode() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return b, nil
}

// DecodeJob parses a queue payload.
func DecodeJob(payload []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrMalformedJob, err)
	}
	if j.OperationID == "" {
		return Job{}, fmt.Errorf("%w: missing operation_id", ErrMalformedJob)
	}
	if j.UserEmail == "" {
		return Job{}, fmt.Errorf("%w: missing user_email", ErrMalformedJob)
	}
	return j, nil
}

// FormatNumber prints amounts and scores for people: whole values with one
// decimal (100.0), others in their shortest form (114.99).
func FormatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
