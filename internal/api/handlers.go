package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yangwenmai/fmucheck/internal/model"
)

// submissionResponse is returned by POST /api/submissions.
type submissionResponse struct {
	Digest         string `json:"digest"`
	Filename       string `json:"filename"`
	State          string `json:"state"`
	PollIntervalMS int64  `json:"poll_interval_ms"`
	StatusURL      string `json:"status_url"`
}

// statusResponse is returned by GET /api/submissions/{digest}.
type statusResponse struct {
	Digest         string              `json:"digest"`
	Filename       string              `json:"filename,omitempty"`
	State          string              `json:"state"`
	Record         *model.ResultRecord `json:"record,omitempty"`
	PollIntervalMS int64               `json:"poll_interval_ms,omitempty"`
}

// ---------------------------------------------------------------------------
// POST /api/submissions
// ---------------------------------------------------------------------------

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	filename, data, err := s.readUpload(r)
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, model.ErrTooLarge), errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("artifact exceeds %d bytes", s.svc.MaxUploadBytes()))
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.svc.Submit(r.Context(), filename, data)
	var ioErr *model.SubmissionIOError
	switch {
	case errors.Is(err, model.ErrEmptyArtifact):
		writeError(w, http.StatusBadRequest, "artifact is empty")
		return
	case errors.Is(err, model.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("artifact exceeds %d bytes", s.svc.MaxUploadBytes()))
		return
	case errors.As(err, &ioErr):
		s.logger.Error("store artifact", "filename", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store artifact")
		return
	case err != nil:
		s.logger.Error("submit", "filename", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start analysis")
		return
	}

	state := model.StatePending
	if out, err := s.svc.Poll(r.Context(), d); err == nil {
		state = out.State
	}
	writeJSON(w, http.StatusCreated, submissionResponse{
		Digest:         d.String(),
		Filename:       filename,
		State:          state,
		PollIntervalMS: s.opts.PollInterval.Milliseconds(),
		StatusURL:      "/api/submissions/" + d.String(),
	})
}

// readUpload accepts either a multipart form with a "file" field or the raw
// artifact as the request body with an optional ?filename= parameter.
func (s *Server) readUpload(r *http.Request) (string, []byte, error) {
	limit := s.svc.MaxUploadBytes()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := readLimited(r.Body, limit)
		return cleanFilename(r.URL.Query().Get("filename")), data, err
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", nil, errors.New(`multipart field "file" is required`)
		}
		if err != nil {
			return "", nil, fmt.Errorf("invalid multipart body: %w", err)
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		data, err := readLimited(part, limit)
		part.Close()
		name := part.FileName()
		if q := r.URL.Query().Get("filename"); q != "" {
			name = q
		}
		return cleanFilename(name), data, err
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, model.ErrTooLarge
	}
	return data, nil
}

// cleanFilename keeps only the base name; it is display metadata.
func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// ---------------------------------------------------------------------------
// GET /api/submissions/{digest}
// ---------------------------------------------------------------------------

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	d, err := model.ParseDigest(chi.URLParam(r, "digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid digest")
		return
	}

	out, err := s.svc.Poll(r.Context(), d)
	if err != nil {
		s.logger.Error("poll", "digest", d.Short(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read result")
		return
	}

	resp := statusResponse{Digest: d.String(), State: out.State, Record: out.Record}
	sub, err := s.svc.Submission(r.Context(), d)
	switch {
	case err == nil:
		resp.Filename = sub.Filename
	case errors.Is(err, model.ErrNotFound):
		if !out.IsDone() {
			writeError(w, http.StatusNotFound, "digest was never submitted")
			return
		}
	default:
		s.logger.Warn("lookup submission", "digest", d.Short(), "error", err)
	}
	if !out.IsDone() {
		resp.PollIntervalMS = s.opts.PollInterval.Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// GET /api/submissions
// ---------------------------------------------------------------------------

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	subs, err := s.svc.Submissions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list submissions")
		return
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}
