// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/coinflow/coinflow/internal/event"
	"github.com/coinflow/coinflow/internal/logging"
	"github.com/coinflow/coinflow/internal/models"
	"github.com/coinflow/coinflow/internal/realtime"
	"github.com/coinflow/coinflow/internal/store"
	"github.com/coinflow/coinflow/internal/syncer"
)

// Close codes sent when a WebSocket attach is rejected after the upgrade.
const (
	closeCodeAuthFailed   = 4001
	closeCodeOverCapacity = 4008
)

func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(data)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": s.hub.ConnectionCount(""),
	})
}

// handleWebSocket upgrades the connection and hands it to the hub. Identity
// and capacity are checked after the upgrade, so rejections arrive as
// WebSocket close frames with an application close code rather than HTTP
// errors.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if _, err := s.hub.Connect(realtime.WSTransport{Conn: conn}, token); err != nil {
		code := closeCodeAuthFailed
		reason := "invalid token"
		if errors.Is(err, realtime.ErrCapacityExceeded) {
			code = closeCodeOverCapacity
			reason = "connection limit reached"
		}
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = conn.Close()
	}
}

type publishEventRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	TargetUsers []string        `json:"target_users"`
}

// handlePublishEvent is the internal hook other services call to push an
// event into the relay.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if !s.bus.Publish(event.Type(req.Type), req.Payload, req.TargetUsers) {
		writeErrorResponse(w, http.StatusBadRequest, "event rejected")
		return
	}
	writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{"success": true})
}

type createScheduleRequest struct {
	UserID          string          `json:"user_id"`
	Sources         []models.Source `json:"sources"`
	IntervalMinutes int             `json:"interval_minutes"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sched, err := s.coordinator.Schedule(r.Context(), req.UserID, req.Sources, time.Duration(req.IntervalMinutes)*time.Minute)
	if err != nil {
		var vErr *models.ValidationError
		if errors.Is(err, syncer.ErrNoSources) || errors.As(err, &vErr) {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		logging.Error().Err(err).Str("user_id", req.UserID).Msg("schedule creation failed")
		writeErrorResponse(w, http.StatusInternalServerError, "schedule creation failed")
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"success":  true,
		"schedule": sched,
	})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sched, err := s.store.GetSchedule(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "no schedule for user")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("schedule lookup failed")
		writeErrorResponse(w, http.StatusInternalServerError, "schedule lookup failed")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"schedule": sched,
	})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.coordinator.Cancel(r.Context(), userID); err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("schedule cancel failed")
		writeErrorResponse(w, http.StatusInternalServerError, "schedule cancel failed")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sched, err := s.coordinator.Resume(r.Context(), userID)
	if errors.Is(err, syncer.ErrScheduleNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "no schedule for user")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("schedule resume failed")
		writeErrorResponse(w, http.StatusInternalServerError, "schedule resume failed")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"schedule": sched,
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sourceID := chi.URLParam(r, "sourceID")
	txs, err := s.store.ListTransactions(r.Context(), userID, sourceID)
	if err != nil {
		logging.Error().Err(err).Str("user_id", userID).Str("source_id", sourceID).Msg("transaction list failed")
		writeErrorResponse(w, http.StatusInternalServerError, "transaction list failed")
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"count":        len(txs),
		"transactions": txs,
	})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	err := s.coordinator.TriggerSync(r.Context(), userID)
	if errors.Is(err, syncer.ErrScheduleNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "no schedule for user")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("manual sync failed")
		writeErrorResponse(w, http.StatusInternalServerError, "sync failed")
		return
	}
	writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{"success": true})
}
