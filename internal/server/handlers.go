// internal/server/handlers.go
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/signalnine/ipwatch/internal/monitor"
	"github.com/signalnine/ipwatch/internal/protocol"
	"github.com/signalnine/ipwatch/internal/store"
)

// Service is what the HTTP layer calls into
type Service interface {
	Ingest(entries []protocol.LogEntry) monitor.IngestResult
	Investigate(ctx context.Context, address string) (*protocol.MonitoredTarget, error)
	StartMonitoring(ctx context.Context, address string) (*protocol.MonitoredTarget, error)
	StopMonitoring(ctx context.Context, address string) (*protocol.MonitoredTarget, error)
	ListMonitored(ctx context.Context) ([]protocol.MonitoredTarget, error)
	GetTarget(ctx context.Context, address string) (*protocol.MonitoredTarget, error)
	DiscardMalformed(n int)
}

type addressRequest struct {
	Address string `json:"address"`
}

type ingestResponse struct {
	Message  string `json:"message"`
	Accepted int    `json:"accepted"`
	Skipped  int    `json:"skipped"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	entries, malformed, err := decodeEntries(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(entries)+malformed == 0 {
		writeError(w, http.StatusBadRequest, "log entry/entries are required")
		return
	}
	if malformed > 0 {
		log.Warn().Int("count", malformed).Msg("skipping undecodable log entries")
		s.svc.DiscardMalformed(malformed)
	}

	var res monitor.IngestResult
	if len(entries) > 0 {
		res = s.svc.Ingest(entries)
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{
		Message:  "Log entries accepted for processing.",
		Accepted: res.Accepted,
		Skipped:  res.Skipped + malformed,
	})
}

// decodeEntries accepts either a single entry object or an array of them.
// Elements that do not decode as a log entry are counted, not fatal; only a
// body that is not JSON at all is an error.
func decodeEntries(body []byte) ([]protocol.LogEntry, int, error) {
	trimmed := bytes.TrimSpace(body)

	var raws []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, 0, err
		}
	} else {
		var raw json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, 0, err
		}
		raws = []json.RawMessage{raw}
	}

	entries := make([]protocol.LogEntry, 0, len(raws))
	malformed := 0
	for _, raw := range raws {
		var entry protocol.LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			malformed++
			continue
		}
		entries = append(entries, entry)
	}
	return entries, malformed, nil
}

func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	s.withAddress(w, r, s.svc.Investigate)
}

func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	s.withAddress(w, r, s.svc.StartMonitoring)
}

func (s *Server) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	s.withAddress(w, r, s.svc.StopMonitoring)
}

func (s *Server) handleListMonitored(w http.ResponseWriter, r *http.Request) {
	targets, err := s.svc.ListMonitored(r.Context())
	if err != nil {
		writeServiceError(w, "list monitored", "", err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := s.svc.GetTarget(r.Context(), address)
	if err != nil {
		writeServiceError(w, "get target", address, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

type targetOp func(ctx context.Context, address string) (*protocol.MonitoredTarget, error)

func (s *Server) withAddress(w http.ResponseWriter, r *http.Request, op targetOp) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var req addressRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	address, err := parseAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := op(r.Context(), address)
	if err != nil {
		writeServiceError(w, r.URL.Path, address, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func parseAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("IP address is required")
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", errors.New("invalid IP address")
	}
	return addr.String(), nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request entity too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read body")
		}
		return nil, false
	}
	return body, true
}

func writeServiceError(w http.ResponseWriter, op, address string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "IP address not found")
		return
	}
	log.Error().Err(err).Str("op", op).Str("address", address).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response failed")
	}
}
