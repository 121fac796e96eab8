package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"TradeArena/internal/degradation"
	"TradeArena/internal/matchmaking"
	"TradeArena/internal/resilience"
	"TradeArena/internal/room"
	"TradeArena/internal/state"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
)

type systemStateResponse struct {
	State               string   `json:"state"`
	CoordinationHealthy bool     `json:"coordination_healthy"`
	DatabaseHealthy     bool     `json:"database_healthy"`
	FrozenMatches       []string `json:"frozen_matches"`
	LedgerSnapshots     int64    `json:"ledger_snapshots"`
}

type roomResponse struct {
	*room.Snapshot
	Frozen *degradation.FreezeInfo `json:"frozen,omitempty"`
}

type positionResponse struct {
	*state.PositionSnapshot
	Equity decimal.Decimal `json:"equity"`
}

type queueResponse struct {
	Size    int                  `json:"size"`
	Tickets []matchmaking.Ticket `json:"tickets"`
}

func (s *Server) newGateway() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/system/state", s.getSystemState},
		{http.MethodGet, "/v1/breakers", s.listBreakers},
		{http.MethodGet, "/v1/matches/{match_id}/room", s.getRoom},
		{http.MethodGet, "/v1/matches/{match_id}/positions/{player_id}", s.getPosition},
		{http.MethodGet, "/v1/queue", s.getQueue},
		{http.MethodGet, "/healthz", s.liveness},
		{http.MethodGet, "/readyz", s.readiness},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

func (s *Server) getSystemState(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	resp := systemStateResponse{FrozenMatches: []string{}}
	if s.deps.State != nil {
		resp.State = s.deps.State.State().String()
		resp.CoordinationHealthy = s.deps.State.CoordinationHealthy()
		resp.DatabaseHealthy = s.deps.State.DatabaseHealthy()
	}
	if s.deps.Freeze != nil {
		if ids := s.deps.Freeze.Frozen(); ids != nil {
			resp.FrozenMatches = ids
		}
	}
	if s.deps.Ledger != nil {
		resp.LedgerSnapshots = s.deps.Ledger.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listBreakers(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	stats := []resilience.Stats{}
	if s.deps.Breakers != nil {
		stats = append(stats, s.deps.Breakers.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": stats})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request, params map[string]string) {
	matchID := params["match_id"]
	snap, err := s.deps.Rooms.Snapshot(r.Context(), matchID)
	if errors.Is(err, room.ErrRoomNotFound) {
		writeError(w, http.StatusNotFound, "room_not_found", fmt.Sprintf("no room for match %s", matchID))
		return
	}
	if err != nil {
		s.deps.Logger.Warn().Err(err).Str("match_id", matchID).Msg("room read failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	resp := roomResponse{Snapshot: snap}
	if s.deps.Freeze != nil {
		if info, ok := s.deps.Freeze.Info(matchID); ok {
			resp.Frozen = &info
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getPosition(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	snap, ok := s.deps.Ledger.Get(params["match_id"], params["player_id"])
	if !ok {
		writeError(w, http.StatusNotFound, "no_position",
			fmt.Sprintf("no position for player %s in match %s", params["player_id"], params["match_id"]))
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{PositionSnapshot: snap, Equity: snap.Equity()})
}

func (s *Server) getQueue(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	resp := queueResponse{Tickets: []matchmaking.Ticket{}}
	if s.deps.Queue != nil {
		resp.Size = s.deps.Queue.QueueSize()
		if t := s.deps.Queue.Tickets(); t != nil {
			resp.Tickets = t
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) liveness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	s.deps.Health.LivenessHandler(w, r)
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	s.deps.Health.ReadinessHandler(w, r)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]string{"code": errCode, "message": msg})
}
