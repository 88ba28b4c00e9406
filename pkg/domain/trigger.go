package domain

import "time"

// TriggerStatus tracks a trigger through the durable log.
type TriggerStatus string

// Trigger log statuses.
const (
	TriggerPending TriggerStatus = "PENDING"
	TriggerRunning TriggerStatus = "RUNNING"
	TriggerDone    TriggerStatus = "DONE"
	TriggerFailed  TriggerStatus = "FAILED"
)

// MaxCauses bounds the accumulated causes of a coalesced trigger.
const MaxCauses = 16

// Trigger is a dedup-keyed request to (re)compute a metric for a subject at a date.
type Trigger struct {
	ID            string        `json:"id"`
	Key           MetricKey     `json:"key"`
	Causes        []string      `json:"causes"`
	AsOf          time.Time     `json:"as_of"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Attempts      int           `json:"attempts"`
	Replays       int           `json:"replays,omitempty"`
	Status        TriggerStatus `json:"status"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// AddCause appends a distinct cause, keeping at most MaxCauses.
func (t *Trigger) AddCause(cause string) {
	if cause == "" {
		return
	}
	for _, c := range t.Causes {
		if c == cause {
			return
		}
	}
	if len(t.Causes) >= MaxCauses {
		t.Causes = append(t.Causes[1:], cause)
		return
	}
	t.Causes = append(t.Causes, cause)
}

// Merge folds another trigger for the same key into t.
func (t *Trigger) Merge(other Trigger) {
	for _, c := range other.Causes {
		t.AddCause(c)
	}
	if other.AsOf.After(t.AsOf) {
		t.AsOf = other.AsOf
	}
}

// Clone returns a deep copy.
func (t Trigger) Clone() Trigger {
	out := t
	out.Causes = append([]string(nil), t.Causes...)
	return out
}
