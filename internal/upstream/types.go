package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strings"

	"github.com/MimeLyc/slice-gateway/pkg/errors"
)

// API is the slicing engine as seen by the gateway.
type API interface {
	Health(ctx context.Context) (*Response, error)
	SliceStatus(ctx context.Context) (*SliceStatus, error)
	ListProfiles(ctx context.Context, kind ProfileKind) (*Response, error)
	GetProfile(ctx context.Context, kind ProfileKind, name string) (*Response, error)
	UploadProfile(ctx context.Context, kind ProfileKind, filename string, content []byte) (*Response, error)
	ReplaceProfile(ctx context.Context, kind ProfileKind, name string, content []byte) (*Response, error)
	RenameProfile(ctx context.Context, kind ProfileKind, name, newName string) (*Response, error)
	DeleteProfile(ctx context.Context, kind ProfileKind, name string) (*Response, error)
	SubmitSlice(ctx context.Context, req SliceRequest) (*SliceAccepted, error)
}

type ProfileKind string

const (
	ProfilePrinter  ProfileKind = "printer"
	ProfileProcess  ProfileKind = "process"
	ProfileFilament ProfileKind = "filament"
)

var validProfileKinds = map[ProfileKind]struct{}{
	ProfilePrinter:  {},
	ProfileProcess:  {},
	ProfileFilament: {},
}

// ParseProfileKind accepts exactly printer, process or filament.
func ParseProfileKind(s string) (ProfileKind, error) {
	kind := ProfileKind(s)
	if _, ok := validProfileKinds[kind]; ok {
		return kind, nil
	}
	names := make([]string, 0, len(validProfileKinds))
	for k := range validProfileKinds {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return "", errors.Newf(errors.InvalidRequest,
		"Invalid profile type '%s'. Must be one of: %s", s, strings.Join(names, ", "))
}

type SliceRequest struct {
	ModelFilename string
	Model         []byte
	Printer       string
	Process       string
	Filament      string
}

// SliceAccepted is upstream's answer to a slice submission. Inline is set when
// upstream sliced synchronously and returned the GCODE in the response body.
type SliceAccepted struct {
	UpstreamID string
	Status     State
	Inline     *InlineArtifact
}

type InlineArtifact struct {
	Filename  string
	Data      []byte
	SliceTime string
}

type State string

const (
	StateIdle      State = "idle"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var stateAliases = map[string]State{
	"idle":       StateIdle,
	"ready":      StateIdle,
	"queued":     StateQueued,
	"pending":    StateQueued,
	"running":    StateRunning,
	"slicing":    StateRunning,
	"processing": StateRunning,
	"busy":       StateRunning,
	"succeeded":  StateSucceeded,
	"success":    StateSucceeded,
	"completed":  StateSucceeded,
	"complete":   StateSucceeded,
	"done":       StateSucceeded,
	"failed":     StateFailed,
	"failure":    StateFailed,
	"error":      StateFailed,
}

// ParseState normalizes the status vocabulary of the slicing engine.
// Unknown values are returned lower-cased and are never terminal.
func ParseState(s string) State {
	s = strings.ToLower(strings.TrimSpace(s))
	if st, ok := stateAliases[s]; ok {
		return st
	}
	return State(s)
}

// SliceStatus is upstream's status document. Raw keeps the original JSON so it
// can be handed back to callers untouched.
type SliceStatus struct {
	State      State           `json:"-"`
	RawState   string          `json:"status"`
	JobID      string          `json:"job_id,omitempty"`
	Filename   string          `json:"filename,omitempty"`
	OutputPath string          `json:"output_path,omitempty"`
	Error      string          `json:"error,omitempty"`
	SliceTime  json.RawMessage `json:"slice_time,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// Response is a successful (2xx) upstream answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return "application/json"
	}
	return ct
}

// IsJSON reports whether the body is declared or sniffed as JSON.
func (r *Response) IsJSON() bool {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil {
		if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
			return true
		}
		if mediaType != "text/plain" && mediaType != "" {
			return false
		}
	}
	return json.Valid(r.Body)
}

// JSON decodes the body into v. A body that is not JSON breaks the upstream
// contract and is reported as UpstreamError.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		e := errors.FromUpstream(r.StatusCode, r.Body, fmt.Sprintf("invalid JSON from orcaslicer-web: %v", err))
		e.Cause = err
		return e
	}
	return nil
}
