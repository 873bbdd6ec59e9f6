package ledger

import "time"

// Status is the lifecycle state of a deployment record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Record is a single entry in the deployment history ledger.
//
// Exactly one record exists per pipeline attempt: inserts are keyed on
// AttemptToken, which is generated once at trigger time and carried
// through polling and completion events.
type Record struct {
	ID               int64
	AttemptToken     string
	Owner            string
	Repo             string
	CommitSHA        string
	CommitMessage    string
	Environment      string
	Status           Status
	ImageRef         string
	IsRollback       bool
	RollbackSourceID *int64
	ErrorMessage     *string
	DeployedAt       *time.Time
	CreatedAt        time.Time
}

// ShortSHA returns the 7-character commit SHA, or the full value when
// it is already shorter.
func (r *Record) ShortSHA() string {
	if len(r.CommitSHA) > 7 {
		return r.CommitSHA[:7]
	}
	return r.CommitSHA
}
