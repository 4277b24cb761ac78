// Package broker provides a FIFO queue of job tickets with at-least-once
// delivery. Workers fetch full Job state from the metadata store after
// dequeue, so the ticket itself carries nothing but the job id and stale
// broker payloads after redelivery are never a concern.
package broker

// Ticket is the sole broker payload shape: a reference to a Job, not a
// snapshot of it.
type Ticket struct {
	JobID string `json:"jobId"`
}
