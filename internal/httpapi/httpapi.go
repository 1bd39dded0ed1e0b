// Package httpapi holds the JSON response helpers and server plumbing
// shared by the dispatcher and runner HTTP APIs.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

// MaxUploadSize bounds multipart build uploads
const MaxUploadSize = 2 << 30

// NewRouter returns a chi router with the middleware both services use
func NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			WithField("duration", time.Since(start)).
			Debug("http: request")
	})
}

// WriteJSON writes v with the given status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("http: cannot encode response")
	}
}

// WriteError writes err as an ErrorResponse with the status it maps to
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), protocol.ErrorResponse{Error: err.Error()})
}

// StatusFor maps domain errors onto HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidNameFormat),
		errors.Is(err, domain.ErrUnsupportedOS),
		errors.Is(err, domain.ErrChecksumMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrVersionNotFound),
		errors.Is(err, domain.ErrPathNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrJobAlreadyExists),
		errors.Is(err, domain.ErrVersionExists),
		errors.Is(err, domain.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRunnerUnreachable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// DecodeJSON decodes the request body into v, wrapping failures as invalid requests
func DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

// ReadUpload reads the multipart "file" field and returns its name and bytes
func ReadUpload(r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxUploadSize)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return "", nil, fmt.Errorf("%w: multipart field \"file\": %v", domain.ErrInvalidRequest, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", nil, fmt.Errorf("%w: reading upload: %v", domain.ErrInvalidRequest, err)
	}
	return hdr.Filename, data, nil
}

// WithCORS allows any origin, as the dashboards reading these APIs are served elsewhere
func WithCORS(h http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	}).Handler(h)
}

// Serve runs an HTTP server on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("http: listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
