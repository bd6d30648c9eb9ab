package jobs

import "time"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// State is the tracker's slot state.
type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
)

type AdmitRequest struct {
	ModelFilename string
	Printer       string
	Process       string
	Filament      string
}

// SliceJob is one slicing operation, from admission until its terminal
// status has been observed.
type SliceJob struct {
	ID            string    `json:"id"`
	UpstreamID    string    `json:"upstream_id,omitempty"`
	ModelFilename string    `json:"model_filename"`
	Printer       string    `json:"printer"`
	Process       string    `json:"process"`
	Filament      string    `json:"filament"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
	Artifact      string    `json:"artifact,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
