package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type Status string

const (
	Pending      Status = "pending"
	Delayed      Status = "delayed"
	Leased       Status = "leased"
	Completed    Status = "completed"
	Failed       Status = "failed" // transient; recorded as pending with a future AvailableAt
	DeadLettered Status = "dead_lettered"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == Completed || s == DeadLettered
}

// Job is the unit of deferred work. The backend exclusively owns persisted
// job state; workers touch it only through Ack/Nack/ExtendLease.
type Job struct {
	ID             string     `json:"id"`
	Queue          string     `json:"queue"`
	Type           string     `json:"type"`
	Payload        []byte     `json:"payload,omitempty"`
	Priority       int        `json:"priority"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	AvailableAt    time.Time  `json:"available_at"`
	DedupeKey      *string    `json:"dedupe_key,omitempty"`
	LeaseOwner     *string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DeadLetter is the append-only record of a terminally failed job.
type DeadLetter struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Queue     string    `json:"queue"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	Priority  int       `json:"priority"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueStats holds per-queue counters observed from the backend.
type QueueStats struct {
	Queue        string `json:"queue"`
	Pending      int64  `json:"pending"`
	Delayed      int64  `json:"delayed"`
	Leased       int64  `json:"leased"`
	Completed    int64  `json:"completed"`
	DeadLettered int64  `json:"dead_lettered"`
}

// Envelope is the wire format for a job body. Payload stays opaque to the
// queue core; handlers produce and consume it symmetrically.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"job_type"`
	Payload    json.RawMessage `json:"payload_bytes,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// WireEnvelope builds the envelope handed to handlers at execution time.
func (j *Job) WireEnvelope() Envelope {
	return Envelope{
		ID:         j.ID,
		Type:       j.Type,
		Payload:    json.RawMessage(j.Payload),
		Attempts:   j.Attempts,
		EnqueuedAt: j.CreatedAt,
	}
}

// Encode serializes the envelope. The inverse of Decode.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return b, nil
}

// DecodeEnvelope parses a serialized envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	return e, nil
}
