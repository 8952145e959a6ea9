// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the assessment workflow over HTTP. Clients submit an
// email either as an ingestion EmailEvent in JSON or as a raw RFC 5322
// message, and receive the finalised report in the response.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/bcem/guardian/internal/assessment"
	"github.com/bcem/guardian/internal/mailbox"
	"github.com/bcem/guardian/internal/models"
)

// MaxBodyBytes bounds a submitted email.
const MaxBodyBytes = 40 << 20

// shutdownTimeout bounds how long in-flight assessments may finish.
const shutdownTimeout = 30 * time.Second

// Processor assesses one email and delivers the report.
type Processor interface {
	Process(ctx context.Context, email *models.EmailArtifact) (*assessment.Report, error)
}

// ReportReader looks up stored reports. Get returns nil, nil when the
// report does not exist.
type ReportReader interface {
	Get(ctx context.Context, ticketID string) (*assessment.Report, error)
}

// Pinger checks a dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the assessment API.
type Handler struct {
	processor Processor
	reports   ReportReader
	pingers   map[string]Pinger
}

// NewHandler creates an API handler. reports may be nil when no report
// store is configured; pingers are checked by /health.
func NewHandler(processor Processor, reports ReportReader, pingers map[string]Pinger) *Handler {
	return &Handler{processor: processor, reports: reports, pingers: pingers}
}

// Routes returns the API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /assess", h.ServeAssess)
	mux.HandleFunc("GET /reports/{id}", h.ServeReport)
	mux.HandleFunc("GET /health", h.ServeHealth)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// ServeAssess assesses the submitted email synchronously.
//
// A body of Content-Type message/rfc822 is parsed as a raw message; any
// other body must be an EmailEvent JSON object.
func (h *Handler) ServeAssess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	email, err := decodeEmail(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		var ve *models.ValidationError
		switch {
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
		case errors.As(err, &ve):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: ve.Field})
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return
	}

	report, err := h.processor.Process(r.Context(), email)
	if err != nil && report == nil {
		var ve *models.ValidationError
		switch {
		case errors.As(err, &ve):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: ve.Field})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "assessment cancelled"})
		default:
			slog.Error("assessment failed", "message_id", email.MessageID, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "assessment failed"})
		}
		return
	}
	if err != nil {
		// The report is valid; only its delivery failed.
		w.Header().Set("X-Report-Delivery", "failed")
	}
	writeJSON(w, http.StatusOK, report)
}

func decodeEmail(r *http.Request) (*models.EmailArtifact, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "message/rfc822" {
		return mailbox.Parse(r.Body)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	var ev models.EmailEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("body is not an email event: %w", err)
	}
	return mailbox.FromEvent(&ev)
}

// ServeReport returns a stored report by ticket id.
func (h *Handler) ServeReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "report storage is not configured"})
		return
	}

	id := r.PathValue("id")
	report, err := h.reports.Get(r.Context(), id)
	if err != nil {
		slog.Error("report lookup failed", "ticket_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "report lookup failed"})
		return
	}
	if report == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "report not found"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ServeHealth reports ok when every dependency answers.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.pingers))
	status := http.StatusOK
	for name, p := range h.pingers {
		if err := p.Ping(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// Serve starts the API server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. The returned done channel closes
// once the server has stopped.
func Serve(ctx context.Context, port int, handler http.Handler) (ready, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler: handler,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind api port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api server did not drain in time", "error", err)
			server.Close()
		}
	}()

	go func() {
		defer close(doneCh)
		slog.Info("api server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
