// Package apiv1 serves the proposal pipeline's public HTTP API.
package apiv1

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/infra/logging"
	"proposal-pipeline/internal/usecase"
)

const defaultMaxUpload = 20 << 20

type Server struct {
	proposals usecase.ProposalUseCase
	maxUpload int64
	log       *zerolog.Logger
}

func NewServer(proposals usecase.ProposalUseCase, maxUploadBytes int64, logger *zerolog.Logger) *Server {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUpload
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Server{proposals: proposals, maxUpload: maxUploadBytes, log: logger}
}

// RegisterAPIV1 mounts the API routes on r. submitGuards wrap only the
// submission route.
func RegisterAPIV1(r chi.Router, s *Server, submitGuards ...func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.With(submitGuards...).Post("/submit-assessment", s.submitAssessment)
		r.Get("/agent-status/{sessionID}", s.agentStatus)
		r.Get("/results/{sessionID}", s.results)
		r.Post("/upload-template", s.uploadTemplate)
		r.Get("/templates", s.listTemplates)
	})
}

type submitRequest struct {
	ClientName   string `json:"client_name"`
	ProjectName  string `json:"project_name"`
	Industry     string `json:"industry"`
	Requirements string `json:"requirements"`
	Duration     string `json:"duration"`
	TeamSize     int    `json:"team_size"`
}

type submitResponse struct {
	SessionID string              `json:"session_id"`
	Status    model.SessionStatus `json:"status"`
	Message   string              `json:"message"`
}

func (s *Server) submitAssessment(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.proposals.Submit(r.Context(), model.JobRequest{
		ClientName:   body.ClientName,
		ProjectName:  body.ProjectName,
		Industry:     body.Industry,
		Requirements: body.Requirements,
		Duration:     body.Duration,
		TeamSize:     body.TeamSize,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{SessionID: sess.ID, Status: sess.Status, Message: "Assessment started"})
}

func (s *Server) agentStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.proposals.GetStatus(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	res, err := s.proposals.GetResults(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) uploadTemplate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart form with a file field")
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer f.Close()
	body, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read the uploaded file")
		return
	}
	ref, err := s.proposals.UploadTemplate(r.Context(), hdr.Filename, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Template uploaded successfully",
		"template_path": ref.Key,
		"template":      ref,
	})
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	refs, err := s.proposals.ListTemplates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": refs})
}

// fail maps domain errors to status codes. Unknown errors are logged and
// hidden behind a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, domain.ErrNotReady):
		writeError(w, http.StatusNotFound, "No documents available yet")
	default:
		logging.With(r.Context(), s.log).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
