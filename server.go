package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"i4.energy/across/cellular/sms"
)

// Modem is the set of gateway operations the HTTP server exposes.
type Modem interface {
	Send(ctx context.Context, to, text string) (int, error)
	Inbox(ctx context.Context) ([]sms.SMS, error)
	Delete(ctx context.Context, index int) error
	Status(ctx context.Context) StatusReport
	Networks(ctx context.Context) ([]string, error)
	Probe(ctx context.Context, req ProbeRequest) ProbeResult
}

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger *slog.Logger
	Modem  Modem
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", s.handleSMS)
	mux.HandleFunc("GET /sms", s.handleInbox)
	mux.HandleFunc("DELETE /sms/{index}", s.handleDelete)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /networks", s.handleNetworks)
	mux.HandleFunc("POST /probe", s.handleProbe)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

// handleSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	ref, err := s.Modem.Send(r.Context(), req.To, req.Message)
	if err != nil {
		s.Logger.Error("Failed to send SMS", "error", err, "to", req.To)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.Logger.Info("SMS sent successfully", "to", req.To, "message_length", len(req.Message), "reference", ref)
	s.sendJSON(w, map[string]int{"reference": ref}, http.StatusOK)
}

// handleInbox returns the unread messages. Listing marks them read.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Modem.Inbox(r.Context())
	if err != nil {
		s.Logger.Error("Failed to list SMS", "error", err)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]inboxMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, inboxMessage{Index: m.Index, Sender: m.Sender, Time: m.Time, Text: m.Text})
	}
	s.sendJSON(w, out, http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		s.sendError(w, "invalid message index", http.StatusBadRequest)
		return
	}
	if err := s.Modem.Delete(r.Context(), index); err != nil {
		s.Logger.Error("Failed to delete SMS", "index", index, "error", err)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, s.Modem.Status(r.Context()), http.StatusOK)
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	names, err := s.Modem.Networks(r.Context())
	if err != nil {
		s.Logger.Error("Failed to scan networks", "error", err)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.sendJSON(w, names, http.StatusOK)
}

// handleProbe opens a test connection through the modem.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req ProbeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		s.sendError(w, "'host' and a valid 'port' are required", http.StatusBadRequest)
		return
	}
	if req.TLS && req.UDP {
		s.sendError(w, "'tls' and 'udp' are exclusive", http.StatusBadRequest)
		return
	}

	res := s.Modem.Probe(r.Context(), req)
	status := http.StatusOK
	if !res.Connected {
		status = http.StatusBadGateway
	}
	s.sendJSON(w, res, status)
}
