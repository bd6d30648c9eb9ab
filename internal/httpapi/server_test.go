package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/slice-gateway/internal/artifact"
	"github.com/MimeLyc/slice-gateway/internal/jobs"
	"github.com/MimeLyc/slice-gateway/internal/service"
	"github.com/MimeLyc/slice-gateway/internal/upstream"
)

const prefix = "/server/orcaslicer"

type gatewayFixture struct {
	server    *Server
	tracker   *jobs.Tracker
	destDir   string
	outputDir string
}

func newGatewayFixture(t *testing.T, upstreamURL string, opts ...Option) *gatewayFixture {
	t.Helper()

	client, err := upstream.NewClient(upstream.Config{
		BaseURL:      upstreamURL,
		SliceTimeout: 5 * time.Second,
		PollTimeout:  2 * time.Second,
	})
	require.NoError(t, err)

	f := &gatewayFixture{
		tracker:   jobs.NewTracker(),
		destDir:   t.TempDir(),
		outputDir: t.TempDir(),
	}
	gateway := service.NewGateway(client, f.tracker, artifact.NewRelocator(f.destDir),
		service.WithUpstreamOutputDir(f.outputDir))
	f.server = NewServer(gateway, append([]Option{WithPrefix(prefix)}, opts...)...)
	return f
}

func (f *gatewayFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, prefix+path, r)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc), rec.Body.String())
	return doc
}

func closedURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func TestServer_HealthUnreachable(t *testing.T) {
	f := newGatewayFixture(t, closedURL(t))

	rec := f.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Unreachable", rec.Header().Get(errorKindHeader))
	doc := decodeBody(t, rec)
	assert.Equal(t, "Unreachable", doc["kind"])
	assert.Contains(t, doc["error"], "unreachable")
}

func TestServer_HealthPassesThrough(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","version":"2.3.0"}`))
	}))
	defer up.Close()
	f := newGatewayFixture(t, up.URL)

	rec := f.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"2.3.0"}`, rec.Body.String())
}

func TestServer_DeleteMissingProfilePassesUpstream404(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/profiles/printer/missing", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Profile 'missing' not found"}`))
	}))
	defer up.Close()
	f := newGatewayFixture(t, up.URL)

	rec := f.do(t, http.MethodDelete, "/profiles/printer/missing", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	doc := decodeBody(t, rec)
	assert.Equal(t, "UpstreamError", doc["kind"])
	assert.Equal(t, map[string]any{"error": "Profile 'missing' not found"}, doc["upstream"])
}

func TestServer_InvalidProfileKindNeverReachesUpstream(t *testing.T) {
	var calls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer up.Close()
	f := newGatewayFixture(t, up.URL)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec := f.do(t, method, "/profiles/nozzle/x", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		doc := decodeBody(t, rec)
		assert.Equal(t, "InvalidRequest", doc["kind"])
		assert.Equal(t, "Invalid profile type 'nozzle'. Must be one of: filament, printer, process", doc["error"])
	}
	rec := f.do(t, http.MethodGet, "/profiles/nozzle", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, int32(0), calls.Load())
}

func TestServer_ProfileOperationsForwardToUpstream(t *testing.T) {
	type seen struct {
		method, path, contentType string
		body                      []byte
	}
	var mu sync.Mutex
	var requests []seen
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, seen{r.Method, r.URL.EscapedPath(), r.Header.Get("Content-Type"), body})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer up.Close()
	f := newGatewayFixture(t, up.URL)

	rec := f.do(t, http.MethodGet, "/profiles/filament", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/profiles/filament", map[string]string{"filename": "PLA.json", "content": `{"name":"PLA"}`})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = f.do(t, http.MethodPut, "/profiles/filament/PLA", map[string]string{"content": `{"name":"PLA"}`})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/profiles/filament/PLA", map[string]string{"new_name": "PLA+"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/profiles/filament/PLA", map[string]string{"new_name": "PLA2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/profiles/filament/PLA", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 6)
	assert.Equal(t, "GET /api/profiles/filament", requests[0].method+" "+requests[0].path)
	assert.Equal(t, "POST /api/profiles/filament", requests[1].method+" "+requests[1].path)
	assert.Contains(t, requests[1].contentType, "multipart/form-data")
	assert.Contains(t, string(requests[1].body), `filename="PLA.json"`)
	assert.Equal(t, "PUT /api/profiles/filament/PLA", requests[2].method+" "+requests[2].path)
	assert.Contains(t, string(requests[2].body), `filename="PLA.json"`)
	assert.Equal(t, "PATCH /api/profiles/filament/PLA", requests[3].method+" "+requests[3].path)
	assert.JSONEq(t, `{"new_name":"PLA+"}`, string(requests[3].body))
	assert.Equal(t, "PATCH /api/profiles/filament/PLA", requests[4].method+" "+requests[4].path)
	assert.Equal(t, "GET /api/profiles/filament/PLA", requests[5].method+" "+requests[5].path)
}

func TestServer_NestedProfileNamesAreForwarded(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.EscapedPath())
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer up.Close()
	f := newGatewayFixture(t, up.URL)

	rec := f.do(t, http.MethodGet, "/profiles/printer/user/P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/profiles/printer/user/P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"GET /api/profiles/printer/user/P1",
		"DELETE /api/profiles/printer/user/P1",
	}, paths)
}

func TestServer_RequestValidation(t *testing.T) {
	f := newGatewayFixture(t, closedURL(t))

	rec := f.do(t, http.MethodPatch, "/profiles/process/x", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/profiles/process", map[string]string{"content": "{}"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, prefix+"/slice", bytes.NewReader([]byte("{not json")))
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/slice", map[string]string{
		"model_filename": "part.stl",
		"model_data":     "***",
		"printer":        "P1",
		"process":        "Q1",
		"filament":       "F1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid base64 model data", decodeBody(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/slice", map[string]string{"model_filename": "part.stl"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, jobs.StateIdle, f.tracker.State())
}

func TestServer_SliceUnreachableFreesSlot(t *testing.T) {
	f := newGatewayFixture(t, closedURL(t))

	rec := f.do(t, http.MethodPost, "/slice", sliceBody())
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, jobs.StateIdle, f.tracker.State())
}

func TestServer_SliceUpstreamBusy(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"busy"}`))
	}))
	defer up.Close()
	f := newGatewayFixture(t, up.URL)

	rec := f.do(t, http.MethodPost, "/slice", sliceBody())
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "UpstreamBusy", rec.Header().Get(errorKindHeader))
	assert.Equal(t, jobs.StateIdle, f.tracker.State())
}

func TestServer_InlineSlice(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="part.gcode"`)
		w.Header().Set("X-Slice-Time-Seconds", "4.2")
		_, _ = w.Write([]byte("G28\n"))
	}))
	defer up.Close()
	f := newGatewayFixture(t, up.URL)

	rec := f.do(t, http.MethodPost, "/slice", sliceBody())

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decodeBody(t, rec)
	assert.Equal(t, "part.gcode", doc["filename"])
	assert.Equal(t, float64(4), doc["size"])
	assert.Equal(t, "4.2", doc["slice_time"])
	assert.FileExists(t, filepath.Join(f.destDir, "part.gcode"))
	assert.Equal(t, jobs.StateIdle, f.tracker.State())
}

// fakeEngine mimics an asynchronous slicing engine whose status can be
// advanced by the test.
type fakeEngine struct {
	mu      sync.Mutex
	state   string
	submits int
}

func (e *fakeEngine) set(state string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

func (e *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/api/slice":
		e.submits++
		if e.state == "running" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"busy"}`))
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		e.state = "running"
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"eng-1","status":"queued"}`))
	case "/api/slice/status":
		_ = json.NewEncoder(w).Encode(map[string]any{"status": e.state, "job_id": "eng-1"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func sliceBody() map[string]string {
	return map[string]string{
		"model_filename": "part.stl",
		"model_data":     base64.StdEncoding.EncodeToString([]byte("solid part\nendsolid part\n")),
		"printer":        "P1",
		"process":        "Q1",
		"filament":       "F1",
	}
}

func TestServer_PartScenario(t *testing.T) {
	engine := &fakeEngine{state: "idle"}
	up := httptest.NewServer(engine)
	defer up.Close()
	f := newGatewayFixture(t, up.URL)

	rec := f.do(t, http.MethodPost, "/slice", sliceBody())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	doc := decodeBody(t, rec)
	assert.NotEmpty(t, doc["job_id"])
	assert.Equal(t, "running", doc["status"])

	rec = f.do(t, http.MethodPost, "/slice", sliceBody())
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Conflict", rec.Header().Get(errorKindHeader))

	rec = f.do(t, http.MethodGet, "/job", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "busy", decodeBody(t, rec)["state"])

	require.NoError(t, os.WriteFile(filepath.Join(f.outputDir, "part.gcode"), []byte("G28\n"), 0o644))
	engine.set("succeeded")

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/status", nil)
		return rec.Code == http.StatusOK && f.tracker.State() == jobs.StateIdle
	}, 2*time.Second, 20*time.Millisecond)

	assert.FileExists(t, filepath.Join(f.destDir, "part.gcode"))
	recent := f.tracker.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, jobs.StatusSucceeded, recent[0].Status)
	assert.Equal(t, "part.gcode", recent[0].Artifact)

	engine.mu.Lock()
	assert.Equal(t, 1, engine.submits)
	engine.mu.Unlock()
}

func TestServer_StatusIncludesArtifact(t *testing.T) {
	engine := &fakeEngine{state: "idle"}
	up := httptest.NewServer(engine)
	defer up.Close()
	f := newGatewayFixture(t, up.URL)

	rec := f.do(t, http.MethodPost, "/slice", sliceBody())
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, os.WriteFile(filepath.Join(f.outputDir, "part.gcode"), []byte("G28\n"), 0o644))
	engine.set("succeeded")

	rec = f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decodeBody(t, rec)
	assert.Equal(t, "succeeded", doc["status"])
	assert.Equal(t, "eng-1", doc["job_id"])
	require.Contains(t, doc, "artifact")
	assert.Equal(t, "part.gcode", doc["artifact"].(map[string]any)["filename"])
	assert.Equal(t, "succeeded", doc["job"].(map[string]any)["status"])
}

func TestServer_UI(t *testing.T) {
	uiFile := filepath.Join(t.TempDir(), "slicer.html")
	require.NoError(t, os.WriteFile(uiFile, []byte("<html>slicer</html>"), 0o644))

	f := newGatewayFixture(t, closedURL(t), WithUI(uiFile))
	rec := f.do(t, http.MethodGet, "/ui", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "slicer")
}

func TestServer_UIDisabled(t *testing.T) {
	f := newGatewayFixture(t, closedURL(t))
	rec := f.do(t, http.MethodGet, "/ui", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "InvalidRequest", rec.Header().Get(errorKindHeader))
	assert.Equal(t, "InvalidRequest", decodeBody(t, rec)["kind"])
}

func TestServer_UIUnreadableIsInternal(t *testing.T) {
	f := newGatewayFixture(t, closedURL(t), WithUI(filepath.Join(t.TempDir(), "missing.html")))
	rec := f.do(t, http.MethodGet, "/ui", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal", rec.Header().Get(errorKindHeader))
	assert.Equal(t, "Internal", decodeBody(t, rec)["kind"])
}

func TestServer_UnknownRoutesAndMethods(t *testing.T) {
	f := newGatewayFixture(t, closedURL(t))

	rec := f.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "InvalidRequest", rec.Header().Get(errorKindHeader))
	doc := decodeBody(t, rec)
	assert.Equal(t, "InvalidRequest", doc["kind"])
	assert.Equal(t, "not found", doc["error"])

	rec = f.do(t, http.MethodDelete, "/slice", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "InvalidRequest", rec.Header().Get(errorKindHeader))
	assert.Equal(t, "InvalidRequest", decodeBody(t, rec)["kind"])

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "routes live under the prefix")
}

func TestServer_EmptyPrefix(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer up.Close()

	client, err := upstream.NewClient(upstream.Config{BaseURL: up.URL})
	require.NoError(t, err)
	gateway := service.NewGateway(client, jobs.NewTracker(), artifact.NewRelocator(t.TempDir()))
	srv := NewServer(gateway)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_JobStream(t *testing.T) {
	f := newGatewayFixture(t, closedURL(t), WithStreamInterval(10*time.Millisecond))
	gw := httptest.NewServer(f.server.Handler())
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gw.URL+prefix+"/job/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() map[string]any {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				var view map[string]any
				require.NoError(t, json.Unmarshal([]byte(data), &view))
				return view
			}
		}
	}

	assert.Equal(t, "idle", readEvent()["state"])

	_, err = f.tracker.Admit(jobs.AdmitRequest{ModelFilename: "part.stl"})
	require.NoError(t, err)
	assert.Equal(t, "busy", readEvent()["state"])
}

func TestServer_SliceSurvivesClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"u-1","status":"queued"}`))
	}))
	defer up.Close()
	f := newGatewayFixture(t, up.URL)

	data, err := json.Marshal(sliceBody())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, prefix+"/slice", bytes.NewReader(data)).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, jobs.StateBusy, f.tracker.State())
	job, ok := f.tracker.Current()
	require.True(t, ok)
	assert.Equal(t, "u-1", job.UpstreamID)
}
