package domain

import "time"

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition can leave the status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

const (
	DefaultTopic      = "default"
	DefaultMaxRetries = 3
)

// Payload is the opaque key-value input handed to a handler verbatim.
type Payload map[string]any

// Job is the canonical record of one unit of work. The store owns it;
// queue entries only point at it.
type Job struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Topic           string     `json:"topic"`
	Payload         Payload    `json:"payload"`
	Status          JobStatus  `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	MaxRetries      int        `json:"max_retries"`
	CreatedAt       time.Time  `json:"created_at"`
	RunAt           time.Time  `json:"run_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Result          any        `json:"result,omitempty"`
	Error           *JobError  `json:"error,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
}

// Expect returns the compare-and-set guard matching the job as it was read.
func (j Job) Expect() Expect {
	return Expect{Status: j.Status, AttemptCount: j.AttemptCount}
}

// Exhausted reports whether the current attempt was the last one allowed.
func (j Job) Exhausted() bool {
	return j.AttemptCount > j.MaxRetries
}

// Clone copies the job deeply enough that mutating the copy never leaks
// into the original (payload map and timestamps).
func (j Job) Clone() Job {
	c := j
	if j.Payload != nil {
		c.Payload = make(Payload, len(j.Payload))
		for k, v := range j.Payload {
			c.Payload[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return c
}

// Expect is the state a transition requires the stored record to still be
// in. Status alone is not enough: a reaped and re-claimed job is back in
// processing, but with a higher attempt count.
type Expect struct {
	Status       JobStatus
	AttemptCount int
}

// Entry is the lightweight reference that travels over the broker.
type Entry struct {
	JobID      string    `json:"job_id" msgpack:"job_id"`
	Type       string    `json:"type" msgpack:"type"`
	Topic      string    `json:"topic" msgpack:"topic"`
	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`
}

// EntryFor builds the queue entry for a job record.
func EntryFor(j Job, now time.Time) Entry {
	return Entry{JobID: j.ID, Type: j.Type, Topic: j.Topic, EnqueuedAt: now}
}

// TaskDefinition is a recurring job template read by the beat.
type TaskDefinition struct {
	TaskName        string  `yaml:"task_name" json:"task_name"`
	IntervalSeconds int     `yaml:"interval_seconds" json:"interval_seconds"`
	DefaultPayload  Payload `yaml:"default_payload" json:"default_payload"`
	SkipIfRunning   bool    `yaml:"skip_if_running" json:"skip_if_running"`
}

func (d TaskDefinition) Interval() time.Duration {
	return time.Duration(d.IntervalSeconds) * time.Second
}
