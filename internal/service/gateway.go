package service

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/MimeLyc/slice-gateway/internal/artifact"
	"github.com/MimeLyc/slice-gateway/internal/jobs"
	"github.com/MimeLyc/slice-gateway/internal/upstream"
	"github.com/MimeLyc/slice-gateway/pkg/errors"
	"github.com/MimeLyc/slice-gateway/pkg/file"
	"github.com/MimeLyc/slice-gateway/pkg/log"
)

// Gateway serializes slices through the tracker and moves finished artifacts
// into the destination directory.
type Gateway struct {
	api       upstream.API
	tracker   *jobs.Tracker
	relocator *artifact.Relocator
	health    *HealthMonitor
	outputDir string
}

type Option func(*Gateway)

// WithUpstreamOutputDir sets the directory that relative artifact names
// reported by upstream resolve against.
func WithUpstreamOutputDir(dir string) Option {
	return func(g *Gateway) {
		g.outputDir = dir
	}
}

func WithHealthMonitor(m *HealthMonitor) Option {
	return func(g *Gateway) {
		g.health = m
	}
}

func NewGateway(api upstream.API, tracker *jobs.Tracker, relocator *artifact.Relocator, opts ...Option) *Gateway {
	g := &Gateway{
		api:       api,
		tracker:   tracker,
		relocator: relocator,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.health == nil {
		g.health = NewHealthMonitor(api, "", nil)
	}
	return g
}

func (g *Gateway) API() upstream.API {
	return g.api
}

// Health forwards a health check and feeds the outcome to the monitor.
func (g *Gateway) Health(ctx context.Context) (*upstream.Response, error) {
	resp, err := g.api.Health(ctx)
	g.health.Observe(err)
	return resp, err
}

// Submit runs the admission protocol: occupy the slot, forward to upstream,
// and give the slot back if upstream never took the job.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job, err := g.tracker.Admit(jobs.AdmitRequest{
		ModelFilename: req.ModelFilename,
		Printer:       req.Printer,
		Process:       req.Process,
		Filament:      req.Filament,
	})
	if err != nil {
		return nil, err
	}

	// Upstream keeps slicing after the caller goes away, so only the
	// configured timeouts bound the submission and the artifact write.
	ctx = context.WithoutCancel(ctx)

	accepted, err := g.api.SubmitSlice(ctx, upstream.SliceRequest{
		ModelFilename: req.ModelFilename,
		Model:         req.Model,
		Printer:       req.Printer,
		Process:       req.Process,
		Filament:      req.Filament,
	})
	if err != nil {
		g.tracker.Release(job.ID, err.Error())
		if errors.Is(err, errors.Unreachable) {
			g.health.Observe(err)
		}
		return nil, err
	}

	if accepted.Inline != nil {
		return g.storeInline(ctx, job, accepted.Inline), nil
	}

	g.tracker.Accept(job.ID, accepted.UpstreamID)
	log.Info("Slice job %s accepted by upstream (upstream id %q)", job.ID, accepted.UpstreamID)
	return &SubmitResult{
		JobID:  job.ID,
		Status: jobs.StatusRunning,
		Async:  true,
	}, nil
}

func (g *Gateway) storeInline(ctx context.Context, job *jobs.SliceJob, inline *upstream.InlineArtifact) *SubmitResult {
	result := &SubmitResult{
		JobID:     job.ID,
		Status:    jobs.StatusSucceeded,
		Filename:  inline.Filename,
		Size:      int64(len(inline.Data)),
		SliceTime: inline.SliceTime,
	}

	res, err := g.relocator.Store(ctx, inline.Filename, bytes.NewReader(inline.Data))
	if err != nil {
		log.Error("Slice job %s succeeded but the artifact could not be stored: %v", job.ID, err)
		result.RelocationError = newErrorView(err)
		g.finishInline(job.ID, result, err.Error(), "")
		return result
	}

	result.Filename = res.Filename
	g.finishInline(job.ID, result, "", res.Filename)
	log.Info("Slice complete: %s (%d bytes, %ss)", res.Filename, res.Size, inline.SliceTime)
	return result
}

// finishInline retires the job. When the job was already retired elsewhere
// the result reports what the tracker recorded.
func (g *Gateway) finishInline(id string, result *SubmitResult, errMsg, artifact string) {
	if _, ok := g.tracker.Finish(id, jobs.StatusSucceeded, errMsg, artifact); ok {
		return
	}
	log.Warn("Slice job %s was retired before its inline result arrived", id)
	if job, ok := g.tracker.Lookup(id); ok {
		result.Status = job.Status
	}
}

// Status forwards the upstream status document. When it reports a terminal
// state for the tracked job, the slot is cleared and, on success, the
// artifact is relocated by exactly one caller.
func (g *Gateway) Status(ctx context.Context) (*StatusResult, error) {
	st, err := g.api.SliceStatus(ctx)
	if err != nil {
		if errors.Is(err, errors.Unreachable) {
			g.health.Observe(err)
		}
		return nil, err
	}

	result := &StatusResult{Upstream: st.Raw}
	job, ok := g.tracker.Current()
	if !ok {
		return result, nil
	}
	result.Job = job

	if job.UpstreamID != "" && st.JobID != "" && job.UpstreamID != st.JobID {
		log.Debug("Ignoring upstream status for job %s, tracking %s", st.JobID, job.UpstreamID)
		return result, nil
	}

	if !st.State.Terminal() {
		if st.State == upstream.StateQueued || st.State == upstream.StateRunning {
			g.tracker.Update(job.ID, jobs.Status(st.State), st.JobID)
			if current, ok := g.tracker.Current(); ok {
				result.Job = current
			}
		}
		return result, nil
	}

	claimed, ok := g.tracker.Claim(job.ID)
	if !ok {
		return result, nil
	}

	if st.State == upstream.StateFailed {
		msg := st.Error
		if msg == "" {
			msg = "slice failed"
		}
		result.Job, _ = g.tracker.Finish(claimed.ID, jobs.StatusFailed, msg, "")
		return result, nil
	}

	return g.finishSucceeded(ctx, claimed, st, result)
}

func (g *Gateway) finishSucceeded(ctx context.Context, job *jobs.SliceJob, st *upstream.SliceStatus, result *StatusResult) (*StatusResult, error) {
	src, name, err := g.resolveSource(job, st)
	if err == nil {
		var res *artifact.Result
		res, err = g.relocator.Relocate(context.WithoutCancel(ctx), src, name)
		if err == nil {
			result.Job, _ = g.tracker.Finish(job.ID, jobs.StatusSucceeded, "", res.Filename)
			result.Artifact = res
			return result, nil
		}
	}

	if errors.Is(err, errors.UpstreamError) {
		g.tracker.Finish(job.ID, jobs.StatusFailed, err.Error(), "")
		return nil, err
	}

	log.Error("Slice job %s succeeded but relocation failed: %v", job.ID, err)
	result.Job, _ = g.tracker.Finish(job.ID, jobs.StatusSucceeded, err.Error(), "")
	result.RelocationError = newErrorView(err)
	return result, nil
}

// resolveSource finds the artifact upstream produced: output_path first, then
// the reported filename, then the model name with a .gcode extension, the
// last two inside the configured upstream output directory.
func (g *Gateway) resolveSource(job *jobs.SliceJob, st *upstream.SliceStatus) (string, string, error) {
	if st.OutputPath != "" {
		src := st.OutputPath
		if !filepath.IsAbs(src) && g.outputDir != "" {
			src = filepath.Join(g.outputDir, src)
		}
		name := st.Filename
		if name == "" {
			name = filepath.Base(src)
		}
		return src, name, nil
	}

	if g.outputDir == "" {
		return "", "", errors.New(errors.UpstreamError,
			"upstream reported success without an output_path and no upstream output directory is configured").
			WithContext("job_id", job.ID)
	}

	name := st.Filename
	if name == "" {
		name = file.ReplaceExt(filepath.Base(job.ModelFilename), ".gcode")
	}
	return filepath.Join(g.outputDir, filepath.Base(name)), name, nil
}

// JobView is the gateway's own view of the slot and upstream reachability.
func (g *Gateway) JobView() *JobView {
	view := &JobView{
		State:    g.tracker.State(),
		Recent:   g.tracker.Recent(),
		Upstream: g.health.Snapshot(),
	}
	if job, ok := g.tracker.Current(); ok {
		view.Job = job
	}
	return view
}

// SubmitRequest is a slice request as received from the dashboard.
type SubmitRequest struct {
	ModelFilename string
	Model         []byte
	Printer       string
	Process       string
	Filament      string
}

func (r SubmitRequest) Validate() error {
	missing := make([]string, 0, 5)
	if strings.TrimSpace(r.ModelFilename) == "" {
		missing = append(missing, "model_filename")
	}
	if len(r.Model) == 0 {
		missing = append(missing, "model_data")
	}
	if strings.TrimSpace(r.Printer) == "" {
		missing = append(missing, "printer")
	}
	if strings.TrimSpace(r.Process) == "" {
		missing = append(missing, "process")
	}
	if strings.TrimSpace(r.Filament) == "" {
		missing = append(missing, "filament")
	}
	if len(missing) > 0 {
		return errors.Newf(errors.InvalidRequest, "missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

type SubmitResult struct {
	JobID           string      `json:"job_id"`
	Status          jobs.Status `json:"status"`
	Filename        string      `json:"filename,omitempty"`
	Size            int64       `json:"size,omitempty"`
	SliceTime       string      `json:"slice_time,omitempty"`
	RelocationError *ErrorView  `json:"relocation_error,omitempty"`

	// Async is true when upstream accepted the job for background slicing.
	Async bool `json:"-"`
}

// ErrorView is an error as shown inside an otherwise successful response.
type ErrorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func newErrorView(err error) *ErrorView {
	view := &ErrorView{Kind: errors.KindOf(err).String(), Message: err.Error()}
	if gwErr, ok := errors.As(err); ok {
		view.Message = gwErr.Message
	}
	return view
}

// StatusResult is upstream's status document enriched with the gateway's
// job snapshot and relocation outcome.
type StatusResult struct {
	Upstream        json.RawMessage
	Job             *jobs.SliceJob
	Artifact        *artifact.Result
	RelocationError *ErrorView
}

// MarshalJSON merges the gateway fields into the upstream document so callers
// see upstream's keys unchanged.
func (r *StatusResult) MarshalJSON() ([]byte, error) {
	doc := map[string]any{}
	if len(r.Upstream) > 0 {
		if err := json.Unmarshal(r.Upstream, &doc); err != nil {
			doc = map[string]any{"upstream": r.Upstream}
		}
	}
	if r.Job != nil {
		doc["job"] = r.Job
	}
	if r.Artifact != nil {
		doc["artifact"] = r.Artifact
	}
	if r.RelocationError != nil {
		doc["relocation_error"] = r.RelocationError
	}
	return json.Marshal(doc)
}

type JobView struct {
	State    jobs.State       `json:"state"`
	Job      *jobs.SliceJob   `json:"job,omitempty"`
	Recent   []*jobs.SliceJob `json:"recent"`
	Upstream UpstreamHealth   `json:"upstream"`
}
