package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gulfbridge/crm-automation/internal/events"
)

// Client is the transport between webhook ingress and the automation worker.
// Delivery is at-least-once; consumers dedupe through the ledger, not here.
type Client interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one queued envelope as seen by a consumer.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// JobKind discriminates queued work.
type JobKind string

const (
	JobInboundEvent JobKind = "inbound_event"
	JobExpirySweep  JobKind = "expiry_sweep"
)

// Job is the payload carried on the queue.
type Job struct {
	ID    string                  `json:"id"`
	Kind  JobKind                 `json:"kind"`
	Event *events.NormalizedEvent `json:"event,omitempty"`
}

// PublishEvent encodes a normalized event and puts it on the queue.
func PublishEvent(ctx context.Context, q Client, event events.NormalizedEvent) error {
	body, err := EncodeJob(Job{Kind: JobInboundEvent, Event: &event})
	if err != nil {
		return err
	}
	if err := q.Send(ctx, body); err != nil {
		return fmt.Errorf("queue: publish event: %w", err)
	}
	return nil
}

// EncodeJob assigns an id if missing and serializes the job.
func EncodeJob(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: encode job: %w", err)
	}
	return string(body), nil
}

// DecodeJob parses a queued body back into a job.
func DecodeJob(body string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return Job{}, fmt.Errorf("queue: decode job: %w", err)
	}
	return job, nil
}
