package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"

	"github.com/MimeLyc/slice-gateway/internal/service"
	"github.com/MimeLyc/slice-gateway/internal/upstream"
	"github.com/MimeLyc/slice-gateway/pkg/errors"
	"github.com/MimeLyc/slice-gateway/pkg/log"
)

const (
	maxProfileBody = 8 << 20
	maxSliceBody   = 512 << 20
)

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	if s.uiFile == "" {
		writeError(w, http.StatusNotFound, errors.InvalidRequest, "UI is not configured")
		return
	}

	f, err := os.Open(s.uiFile)
	if err != nil {
		log.Error("Failed to read UI %s: %v", s.uiFile, err)
		writeError(w, http.StatusInternalServerError, errors.Internal, "Failed to read UI")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusInternalServerError, errors.Internal, "Failed to read UI")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := s.gateway.Health(r.Context())
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeUpstream(w, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.gateway.Status(r.Context())
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.JobView())
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	kind, ok := profileKind(w, r)
	if !ok {
		return
	}
	resp, err := s.gateway.API().ListProfiles(r.Context(), kind)
	s.forward(w, resp, err)
}

func (s *Server) handleUploadProfile(w http.ResponseWriter, r *http.Request) {
	kind, ok := profileKind(w, r)
	if !ok {
		return
	}

	var req struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}
	if !decodeJSON(w, r, maxProfileBody, &req) {
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		writeGatewayError(w, errors.New(errors.InvalidRequest, "missing required field: filename"))
		return
	}

	resp, err := s.gateway.API().UploadProfile(r.Context(), kind, req.Filename, []byte(req.Content))
	s.forward(w, resp, err)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	kind, ok := profileKind(w, r)
	if !ok {
		return
	}
	resp, err := s.gateway.API().GetProfile(r.Context(), kind, mux.Vars(r)["name"])
	s.forward(w, resp, err)
}

func (s *Server) handleReplaceProfile(w http.ResponseWriter, r *http.Request) {
	kind, ok := profileKind(w, r)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, maxProfileBody, &req) {
		return
	}

	resp, err := s.gateway.API().ReplaceProfile(r.Context(), kind, mux.Vars(r)["name"], []byte(req.Content))
	s.forward(w, resp, err)
}

func (s *Server) handleRenameProfile(w http.ResponseWriter, r *http.Request) {
	kind, ok := profileKind(w, r)
	if !ok {
		return
	}

	var req struct {
		NewName string `json:"new_name"`
	}
	if !decodeJSON(w, r, maxProfileBody, &req) {
		return
	}
	if strings.TrimSpace(req.NewName) == "" {
		writeGatewayError(w, errors.New(errors.InvalidRequest, "missing required field: new_name"))
		return
	}

	resp, err := s.gateway.API().RenameProfile(r.Context(), kind, mux.Vars(r)["name"], req.NewName)
	s.forward(w, resp, err)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	kind, ok := profileKind(w, r)
	if !ok {
		return
	}
	resp, err := s.gateway.API().DeleteProfile(r.Context(), kind, mux.Vars(r)["name"])
	s.forward(w, resp, err)
}

func (s *Server) handleSlice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelFilename string `json:"model_filename"`
		ModelData     string `json:"model_data"`
		Printer       string `json:"printer"`
		Process       string `json:"process"`
		Filament      string `json:"filament"`
	}
	if !decodeJSON(w, r, maxSliceBody, &req) {
		return
	}

	model, err := base64.StdEncoding.DecodeString(req.ModelData)
	if err != nil {
		writeGatewayError(w, errors.Wrap(errors.InvalidRequest, "Invalid base64 model data", err))
		return
	}

	res, err := s.gateway.Submit(r.Context(), service.SubmitRequest{
		ModelFilename: req.ModelFilename,
		Model:         model,
		Printer:       req.Printer,
		Process:       req.Process,
		Filament:      req.Filament,
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	status := http.StatusOK
	if res.Async {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// forward writes a successful upstream response through unchanged.
func (s *Server) forward(w http.ResponseWriter, resp *upstream.Response, err error) {
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeUpstream(w, resp)
}

func writeUpstream(w http.ResponseWriter, resp *upstream.Response) {
	w.Header().Set("Content-Type", resp.ContentType())
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func profileKind(w http.ResponseWriter, r *http.Request) (upstream.ProfileKind, bool) {
	kind, err := upstream.ParseProfileKind(mux.Vars(r)["kind"])
	if err != nil {
		writeGatewayError(w, err)
		return "", false
	}
	return kind, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body"
		if err == io.EOF {
			msg = "request body is empty"
		}
		writeGatewayError(w, errors.Wrap(errors.InvalidRequest, msg, err))
		return false
	}
	return true
}
