package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// multipart framing allowance on top of the file size limit
const multipartOverhead = 1 << 20

// Router builds the HTTP routes of the service
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.log, s.metrics))
	r.Use(s.auth.Middleware)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/home", http.StatusFound)
	})
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Get("/home", s.handleHome)
	r.Post("/upload", s.handleUpload)

	r.Group(func(r chi.Router) {
		r.Use(requireIdentity)
		r.Get("/download/{fileId}", s.handleDownload)
		r.Delete("/files/{fileId}", s.handleDelete)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	files, err := s.files.ListVisible(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to load files",
			"details": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.files.MaxUploadSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeUploadRejected(w, "File too large", fmt.Sprintf("Files may be at most %d bytes", maxSize))
			return
		}
		writeUploadRejected(w, "No file provided", "Expected a multipart form with a file field")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeUploadRejected(w, "No file provided", "Expected a multipart form with a file field")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if !s.files.Allows(mimeType) {
		writeUploadRejected(w, "Invalid file type",
			fmt.Sprintf("Only %s files are allowed", strings.Join(s.files.AllowedTypes(), ", ")))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "File upload failed",
			"details": err.Error(),
		})
		return
	}
	if int64(len(data)) > maxSize {
		writeUploadRejected(w, "File too large", fmt.Sprintf("Files may be at most %d bytes", maxSize))
		return
	}

	record, err := s.files.Upload(r.Context(), UploadInput{
		Data:         data,
		OriginalName: header.Filename,
		MimeType:     mimeType,
		SizeBytes:    int64(len(data)),
		OwnerID:      CallerIDFrom(r.Context()),
	})
	if err != nil {
		if errors.Is(err, KindValidation) {
			writeUploadRejected(w, "Invalid file", err.Error())
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "File upload failed",
			"details": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "File uploaded successfully",
		"url":     record.PublicURL,
		"name":    record.OriginalName,
		"id":      record.ID,
		"size":    record.SizeBytes,
		"type":    record.MimeType,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")

	signed, err := s.files.Retrieve(r.Context(), fileID, CallerIDFrom(r.Context()))
	if err != nil {
		if writeLookupError(w, err) {
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"message": "Failed to generate download link",
			"details": err.Error(),
		})
		return
	}

	h := w.Header()
	h.Set("Content-Security-Policy", "default-src 'self'")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "private, no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	http.Redirect(w, r, signed.URL, http.StatusFound)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")

	_, err := s.files.Delete(r.Context(), fileID, CallerIDFrom(r.Context()))
	if err != nil {
		if writeLookupError(w, err) {
			return
		}
		message := "Failed to delete file"
		if errors.Is(err, KindStorageDeleteFailed) {
			message = "Failed to delete file from storage"
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"message": message,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "File deleted successfully"})
}

// writeLookupError answers not-found and access-denied failures
func writeLookupError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, KindNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "File not found"})
	case errors.Is(err, KindAccessDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "Access denied"})
	default:
		return false
	}
	return true
}

func writeUploadRejected(w http.ResponseWriter, title, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":   title,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
