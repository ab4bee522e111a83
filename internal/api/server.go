// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/filevault/internal/auth"
	"github.com/fruitsalade/filevault/internal/files"
	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metadata"
	"github.com/fruitsalade/filevault/internal/metrics"
	"github.com/fruitsalade/filevault/pkg/protocol"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before parts spill to temporary files.
const multipartMemory = 32 << 20

// Server is the HTTP server.
type Server struct {
	files         *files.Service
	auth          *auth.Auth
	maxUploadSize int64
}

// NewServer creates a new server.
func NewServer(svc *files.Service, authHandler *auth.Auth, maxUploadSize int64) *Server {
	return &Server{
		files:         svc,
		auth:          authHandler,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the root handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Protected endpoints
	protect := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(h)
	}
	mux.Handle("POST /api/v1/files", protect(s.handleUpload))
	mux.Handle("GET /api/v1/files", protect(s.handleList))
	mux.Handle("GET /api/v1/files/{id}", protect(s.handleDownload))
	mux.Handle("GET /api/v1/files/{id}/meta", protect(s.handleMeta))
	mux.Handle("DELETE /api/v1/files/{id}", protect(s.handleDelete))

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:   "ok",
		Provider: s.files.Provider().Name(),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerID(r.Context())
	if !ok {
		s.sendError(w, http.StatusUnauthorized, "missing owner")
		return
	}

	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request too large: max %d bytes", s.maxUploadSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request too large: max %d bytes", s.maxUploadSize))
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	parts := r.MultipartForm.File["file"]
	if len(parts) == 0 {
		s.sendError(w, http.StatusBadRequest, `no "file" parts in form`)
		return
	}

	uploads := make([]files.Upload, 0, len(parts))
	for _, fh := range parts {
		u, err := readPart(fh)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		uploads = append(uploads, u)
	}

	records, err := s.files.UploadBatch(r.Context(), ownerID, uploads)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}

	resp := protocol.UploadResponse{Files: make([]protocol.File, 0, len(records))}
	for _, rec := range records {
		resp.Files = append(resp.Files, toProtocol(rec))
	}
	s.sendJSON(w, http.StatusCreated, resp)
}

// readPart loads one multipart file into memory. The part's own
// Content-Type wins; otherwise it is inferred from the extension and then
// from the content.
func readPart(fh *multipart.FileHeader) (files.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return files.Upload{}, fmt.Errorf("open part %q: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return files.Upload{}, fmt.Errorf("read part %q: %w", fh.Filename, err)
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(fh.Filename)); byExt != "" {
			contentType = byExt
		} else if len(data) > 0 {
			contentType = http.DetectContentType(data)
		}
	}

	return files.Upload{Name: fh.Filename, ContentType: contentType, Data: data}, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := auth.OwnerID(r.Context())
	if !ok {
		s.sendError(w, http.StatusUnauthorized, "missing owner")
		return
	}

	records, err := s.files.List(r.Context(), ownerID)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}

	resp := protocol.ListResponse{Files: make([]protocol.File, 0, len(records))}
	for _, rec := range records {
		resp.Files = append(resp.Files, toProtocol(rec))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedFile(w, r)
	if !ok {
		return
	}

	data, err := s.files.Fetch(r.Context(), rec)
	if err != nil {
		s.sendServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": rec.DisplayName}))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedFile(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, toProtocol(rec))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedFile(w, r)
	if !ok {
		return
	}

	// Remove resolves the record again so a concurrent delete reports 404.
	if err := s.files.Remove(r.Context(), rec.ID); err != nil {
		s.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedFile parses the {id} path value and returns the record if the caller
// owns it. Files of other owners are reported as missing. It writes the
// error response itself and returns false when the request must stop.
func (s *Server) ownedFile(w http.ResponseWriter, r *http.Request) (*metadata.FileRecord, bool) {
	ownerID, ok := auth.OwnerID(r.Context())
	if !ok {
		s.sendError(w, http.StatusUnauthorized, "missing owner")
		return nil, false
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid file id")
		return nil, false
	}

	rec, err := s.files.Lookup(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, r, err)
		return nil, false
	}
	if rec.OwnerID != ownerID {
		s.sendError(w, http.StatusNotFound, "file not found")
		return nil, false
	}
	return rec, true
}

func toProtocol(rec *metadata.FileRecord) protocol.File {
	return protocol.File{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		StorageKey:  rec.StorageKey,
		Name:        rec.DisplayName,
		Size:        rec.SizeBytes,
		ContentType: rec.ContentType,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, files.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, files.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.sendError(w, code, err.Error())
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
