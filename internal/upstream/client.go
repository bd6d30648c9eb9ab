package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/slice-gateway/pkg/errors"
	"github.com/MimeLyc/slice-gateway/pkg/log"
)

const (
	// DefaultPollTimeout bounds health, status and small profile calls.
	DefaultPollTimeout = 10 * time.Second
	// DefaultUploadTimeout bounds profile uploads and replacements.
	DefaultUploadTimeout = 30 * time.Second
	// DefaultSliceTimeout bounds slice submissions.
	DefaultSliceTimeout = 300 * time.Second
)

// Config holds the configuration for the upstream client.
type Config struct {
	BaseURL       string
	SliceTimeout  time.Duration
	PollTimeout   time.Duration
	UploadTimeout time.Duration
}

// Validate validates the configuration and fills zero timeouts with defaults.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if c.SliceTimeout <= 0 {
		c.SliceTimeout = DefaultSliceTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
	return nil
}

// Client talks to the orcaslicer-web API.
// Thread-safe for concurrent use; holds no state between calls.
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    string
}

var _ API = (*Client)(nil)

// NewClient creates a new upstream client with the given configuration.
// Timeouts are applied per call through the request context.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Client{
		config:     config,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{},
	}, nil
}

func (c *Client) Health(ctx context.Context) (*Response, error) {
	return c.do(ctx, c.config.PollTimeout, http.MethodGet, "/api/health", nil, "")
}

func (c *Client) SliceStatus(ctx context.Context) (*SliceStatus, error) {
	resp, err := c.do(ctx, c.config.PollTimeout, http.MethodGet, "/api/slice/status", nil, "")
	if err != nil {
		return nil, err
	}

	var status SliceStatus
	if err := resp.JSON(&status); err != nil {
		return nil, err
	}
	status.State = ParseState(status.RawState)
	status.Raw = json.RawMessage(resp.Body)
	return &status, nil
}

func (c *Client) ListProfiles(ctx context.Context, kind ProfileKind) (*Response, error) {
	return c.do(ctx, c.config.PollTimeout, http.MethodGet, profilePath(kind, ""), nil, "")
}

func (c *Client) GetProfile(ctx context.Context, kind ProfileKind, name string) (*Response, error) {
	return c.do(ctx, c.config.PollTimeout, http.MethodGet, profilePath(kind, name), nil, "")
}

func (c *Client) DeleteProfile(ctx context.Context, kind ProfileKind, name string) (*Response, error) {
	return c.do(ctx, c.config.PollTimeout, http.MethodDelete, profilePath(kind, name), nil, "")
}

// UploadProfile sends content as a multipart "file" part, the shape the
// engine expects for profile imports.
func (c *Client) UploadProfile(ctx context.Context, kind ProfileKind, filename string, content []byte) (*Response, error) {
	body, contentType, err := buildMultipart(nil, &filePart{
		Field:    "file",
		Filename: filename,
		Data:     content,
	})
	if err != nil {
		return nil, errors.Wrap(errors.Internal, "failed to build profile upload", err)
	}
	return c.do(ctx, c.config.UploadTimeout, http.MethodPost, profilePath(kind, ""), body, contentType)
}

func (c *Client) ReplaceProfile(ctx context.Context, kind ProfileKind, name string, content []byte) (*Response, error) {
	body, contentType, err := buildMultipart(nil, &filePart{
		Field:    "file",
		Filename: name + ".json",
		Data:     content,
	})
	if err != nil {
		return nil, errors.Wrap(errors.Internal, "failed to build profile replacement", err)
	}
	return c.do(ctx, c.config.UploadTimeout, http.MethodPut, profilePath(kind, name), body, contentType)
}

func (c *Client) RenameProfile(ctx context.Context, kind ProfileKind, name, newName string) (*Response, error) {
	payload, err := json.Marshal(map[string]string{"new_name": newName})
	if err != nil {
		return nil, errors.Wrap(errors.Internal, "failed to marshal rename request", err)
	}
	return c.do(ctx, c.config.PollTimeout, http.MethodPatch, profilePath(kind, name), bytes.NewReader(payload), "application/json")
}

// SubmitSlice posts the model and profile names. A JSON answer means upstream
// accepted the job and will report progress through SliceStatus; any other
// 2xx body is the finished GCODE.
func (c *Client) SubmitSlice(ctx context.Context, req SliceRequest) (*SliceAccepted, error) {
	body, contentType, err := buildMultipart(
		[]field{
			{Name: "printer", Value: req.Printer},
			{Name: "process", Value: req.Process},
			{Name: "filament", Value: req.Filament},
		},
		&filePart{
			Field:    "model",
			Filename: req.ModelFilename,
			Data:     req.Model,
		},
	)
	if err != nil {
		return nil, errors.Wrap(errors.Internal, "failed to build slice request", err)
	}

	resp, err := c.do(ctx, c.config.SliceTimeout, http.MethodPost, "/api/slice", body, contentType)
	if err != nil {
		if gwErr, ok := errors.As(err); ok && gwErr.UpstreamStatus == http.StatusConflict {
			gwErr.Kind = errors.UpstreamBusy
			gwErr.Message = "Slicer is busy"
		}
		return nil, err
	}

	empty := len(bytes.TrimSpace(resp.Body)) == 0
	if !empty && !resp.IsJSON() {
		return &SliceAccepted{
			Status: StateSucceeded,
			Inline: &InlineArtifact{
				Filename:  filenameFromDisposition(resp.Header.Get("Content-Disposition")),
				Data:      resp.Body,
				SliceTime: headerOr(resp.Header, "X-Slice-Time-Seconds", "unknown"),
			},
		}, nil
	}

	var accepted struct {
		JobID  string `json:"job_id"`
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if !empty {
		if err := resp.JSON(&accepted); err != nil {
			return nil, err
		}
	}
	id := accepted.JobID
	if id == "" {
		id = accepted.ID
	}
	state := ParseState(accepted.Status)
	if state == "" {
		state = StateQueued
	}
	return &SliceAccepted{UpstreamID: id, Status: state}, nil
}

// do makes a raw HTTP request to orcaslicer-web and classifies failures.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, apiPath string, body io.Reader, contentType string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.baseURL + apiPath
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, errors.Wrap(errors.Internal, "failed to create request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("orcaslicer-web %s %s failed: %v", method, apiPath, err)
		return nil, unreachable(err, method, endpoint)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn("orcaslicer-web %s %s: failed to read body: %v", method, apiPath, err)
		return nil, unreachable(err, method, endpoint)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.FromUpstream(resp.StatusCode, respBody,
			fmt.Sprintf("orcaslicer-web error: %s", strings.TrimSpace(string(respBody)))).
			WithContext("method", method).
			WithContext("path", apiPath)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

func unreachable(err error, method, endpoint string) *errors.Error {
	reason := "unreachable"
	if isTimeout(err) {
		reason = "timed out"
	}
	return errors.Wrap(errors.Unreachable, fmt.Sprintf("orcaslicer-web %s", reason), err).
		WithContext("method", method).
		WithContext("url", endpoint)
}

// profilePath escapes each segment of name, so nested profile names such as
// "user/P1" keep their slashes.
func profilePath(kind ProfileKind, name string) string {
	p := "/api/profiles/" + url.PathEscape(string(kind))
	if name != "" {
		segments := strings.Split(name, "/")
		for i, seg := range segments {
			segments[i] = url.PathEscape(seg)
		}
		p += "/" + strings.Join(segments, "/")
	}
	return p
}

var dispositionFilename = regexp.MustCompile(`filename="?([^";\s]+)"?`)

// filenameFromDisposition extracts a base file name from a Content-Disposition
// header, falling back to a random slice_<id>.gcode name.
func filenameFromDisposition(cd string) string {
	var name string
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if m := dispositionFilename.FindStringSubmatch(cd); m != nil {
			name = m[1]
		}
	}
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return fmt.Sprintf("slice_%s.gcode", strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	}
	return name
}

func headerOr(h http.Header, key, fallback string) string {
	if v := h.Get(key); v != "" {
		return v
	}
	return fallback
}
