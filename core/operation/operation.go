// Package operation tracks long-running background work against network
// appliances. It owns the admission-control guarantee of the system: for any
// (target, kind) pair at most one operation may be pending or in progress at
// a time. All mutation funnels through the Tracker so progress broadcasting
// and log append stay consistent under concurrent callers.
package operation

import (
	"time"
)

// Kind identifies the type of work an operation performs.
type Kind string

const (
	KindCertificateRenewal Kind = "certificate_renewal"
	KindServiceRestart     Kind = "service_restart"
	KindSSHTest            Kind = "ssh_test"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CreatedBy records who triggered an operation.
type CreatedBy string

const (
	CreatedByUser CreatedBy = "user"
	CreatedByCron CreatedBy = "cron"
	CreatedByAuto CreatedBy = "auto"
)

// LogEntry is one timestamped line in an operation's log.
type LogEntry struct {
	Time time.Time `json:"time"`
	Line string    `json:"line"`
}

// Operation is one unit of tracked work against a target appliance.
type Operation struct {
	ID          string            `json:"id"`
	TargetID    string            `json:"targetId"`
	Kind        Kind              `json:"kind"`
	Status      Status            `json:"status"`
	Progress    int               `json:"progress"`
	Message     string            `json:"message"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	CreatedBy   CreatedBy         `json:"createdBy"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Logs        []LogEntry        `json:"logs"`
}

// Clone returns a deep copy safe to hand out to observers.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}

	out := *o

	if o.CompletedAt != nil {
		t := *o.CompletedAt
		out.CompletedAt = &t
	}
	if o.Metadata != nil {
		out.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			out.Metadata[k] = v
		}
	}
	if o.Logs != nil {
		out.Logs = make([]LogEntry, len(o.Logs))
		copy(out.Logs, o.Logs)
	}

	return &out
}
