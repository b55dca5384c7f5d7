package v1

import "time"

// ProgressState represents the state of a progress trail entry
type ProgressState string

const (
	ProgressStateQueued  ProgressState = "queued"
	ProgressStateRunning ProgressState = "running"
	ProgressStateDone    ProgressState = "done"
	ProgressStateError   ProgressState = "error"
)

// ProgressRecord is one append-only entry in the status trail of an
// envelope. PercentDone is monotonic non-decreasing per message except on
// the transition into error, which freezes the stored value. state=done
// implies PercentDone=100.
type ProgressRecord struct {
	ID          string        `json:"id"`
	Schema      string        `json:"schema"`
	MessageID   string        `json:"message_id"`
	ProjectID   string        `json:"project_id"`
	PercentDone int           `json:"percent_done"`
	State       ProgressState `json:"state"`
	Note        string        `json:"note,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// AppendProgressRequest for appending a progress record to a message trail
type AppendProgressRequest struct {
	MessageID   string        `json:"message_id" binding:"required"`
	ProjectID   string        `json:"project_id" binding:"required"`
	PercentDone int           `json:"percent_done" binding:"min=0,max=100"`
	State       ProgressState `json:"state" binding:"required"`
	Note        string        `json:"note,omitempty"`
}

// Record converts the request into the record appended to the trail.
func (r *AppendProgressRequest) Record() *ProgressRecord {
	return &ProgressRecord{
		MessageID:   r.MessageID,
		ProjectID:   r.ProjectID,
		PercentDone: r.PercentDone,
		State:       r.State,
		Note:        r.Note,
	}
}

// ProgressList is the response for a progress trail query, ordered oldest
// first.
type ProgressList struct {
	Records []*ProgressRecord `json:"records"`
	Total   int               `json:"total"`
}
