package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/slice-gateway/pkg/errors"
	"github.com/MimeLyc/slice-gateway/pkg/log"
)

const defaultHistorySize = 20

// Tracker owns the single gateway slot. At most one SliceJob is in flight;
// every mutation of the slot goes through the tracker's mutex.
type Tracker struct {
	maxHistory int
	newID      func() string

	mu         sync.Mutex
	current    *SliceJob
	acceptedID string
	claimedID  string
	history    []*SliceJob
}

type Option func(*Tracker)

// WithHistory bounds how many finished jobs Recent keeps.
func WithHistory(n int) Option {
	return func(t *Tracker) {
		t.maxHistory = n
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(t *Tracker) {
		t.newID = fn
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		maxHistory: defaultHistorySize,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Admit moves the slot from Idle to Busy with a new queued job. When a job is
// already in flight it returns a Conflict error and leaves the slot untouched.
func (t *Tracker) Admit(req AdmitRequest) (*SliceJob, error) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil {
		return nil, errors.New(errors.Conflict, "a slice is already running").
			WithContext("job_id", t.current.ID)
	}

	job := &SliceJob{
		ID:            t.newID(),
		ModelFilename: req.ModelFilename,
		Printer:       req.Printer,
		Process:       req.Process,
		Filament:      req.Filament,
		Status:        StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.current = job
	t.acceptedID = ""
	t.claimedID = ""
	log.Info("Slice job %s admitted (model=%s printer=%s process=%s filament=%s)",
		job.ID, job.ModelFilename, job.Printer, job.Process, job.Filament)
	return cloneJob(job), nil
}

// Current returns a snapshot of the in-flight job.
func (t *Tracker) Current() (*SliceJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil, false
	}
	return cloneJob(t.current), true
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return StateIdle
	}
	return StateBusy
}

// Accept records that upstream took the in-flight job. Until then the job
// belongs to the pending submission and status polls can neither update
// nor claim it.
func (t *Tracker) Accept(id string, upstreamID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.current.ID != id {
		return false
	}
	t.acceptedID = id
	t.current.Status = StatusRunning
	if upstreamID != "" {
		t.current.UpstreamID = upstreamID
	}
	t.current.UpdatedAt = time.Now()
	return true
}

// Update records non-terminal progress for an accepted in-flight job.
// Terminal statuses must go through Finish.
func (t *Tracker) Update(id string, status Status, upstreamID string) bool {
	if status.Terminal() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.current.ID != id || t.acceptedID != id {
		return false
	}
	if status != "" {
		t.current.Status = status
	}
	if upstreamID != "" {
		t.current.UpstreamID = upstreamID
	}
	t.current.UpdatedAt = time.Now()
	return true
}

// Release frees the slot after a submission that never started upstream,
// such as an unreachable or busy engine.
func (t *Tracker) Release(id string, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.current.ID != id {
		return false
	}
	t.current.Status = StatusFailed
	t.current.Error = reason
	t.current.UpdatedAt = time.Now()
	t.retireLocked()
	log.Info("Slice job %s released: %s", id, reason)
	return true
}

// Claim reserves the terminal handling of an accepted in-flight job for one
// caller. Concurrent status polls observing the same terminal status get
// false, so artifact relocation runs once per job.
func (t *Tracker) Claim(id string) (*SliceJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.current.ID != id || t.acceptedID != id || t.claimedID == id {
		return nil, false
	}
	t.claimedID = id
	return cloneJob(t.current), true
}

// Finish moves the slot back to Idle with a terminal status. It returns the
// final job and true exactly once per job.
func (t *Tracker) Finish(id string, status Status, errMsg, artifact string) (*SliceJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.current.ID != id {
		return nil, false
	}
	if !status.Terminal() {
		status = StatusFailed
	}
	t.current.Status = status
	t.current.Error = errMsg
	t.current.Artifact = artifact
	t.current.UpdatedAt = time.Now()
	snapshot := cloneJob(t.current)
	t.retireLocked()
	log.Info("Slice job %s finished: %s", id, status)
	return snapshot, true
}

// Lookup finds a job by id in the slot or the history.
func (t *Tracker) Lookup(id string) (*SliceJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil && t.current.ID == id {
		return cloneJob(t.current), true
	}
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].ID == id {
			return cloneJob(t.history[i]), true
		}
	}
	return nil, false
}

// Recent lists finished jobs, newest first.
func (t *Tracker) Recent() []*SliceJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	ret := make([]*SliceJob, 0, len(t.history))
	for i := len(t.history) - 1; i >= 0; i-- {
		ret = append(ret, cloneJob(t.history[i]))
	}
	return ret
}

func (t *Tracker) retireLocked() {
	if t.maxHistory > 0 {
		t.history = append(t.history, t.current)
		t.pruneHistoryLocked()
	}
	t.current = nil
	t.acceptedID = ""
	t.claimedID = ""
}

func (t *Tracker) pruneHistoryLocked() {
	if len(t.history) <= t.maxHistory {
		return
	}
	toRemove := len(t.history) - t.maxHistory
	copy(t.history, t.history[toRemove:])
	for i := len(t.history) - toRemove; i < len(t.history); i++ {
		t.history[i] = nil
	}
	t.history = t.history[:len(t.history)-toRemove]
}

func cloneJob(job *SliceJob) *SliceJob {
	if job == nil {
		return nil
	}
	tmp := *job
	return &tmp
}
