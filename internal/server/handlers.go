package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"chatrelay/internal/store"
	"chatrelay/internal/substrate"
)

type historyResponse struct {
	Messages   []store.Message `json:"messages"`
	NextCursor *string         `json:"nextCursor"`
}

// handleMessages pages through a room's history, newest first.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	if roomID == "" {
		respondError(w, "Invalid room ID", http.StatusBadRequest)
		return
	}

	limit := s.opts.History.DefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = min(parsed, s.opts.History.MaxLimit)
		}
	}

	var before *time.Time
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			respondError(w, "Invalid cursor", http.StatusBadRequest)
			return
		}
		before = &t
	}

	messages, err := s.opts.Session.Store.FindPage(r.Context(), roomID, limit, before)
	if err != nil {
		s.log.Error().Err(err).Str("room_id", roomID).Msg("fetch history")
		respondError(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}

	resp := historyResponse{Messages: messages}
	if n := len(messages); n > 0 {
		next := messages[n-1].CreatedAt.Format(time.RFC3339Nano)
		resp.NextCursor = &next
	}
	respondJSON(w, resp)
}

// handleOnline lists online users. Concurrent requests share one substrate
// read.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	v, err, _ := s.online.Do("online", func() (any, error) {
		return s.opts.Online.OnlineUsers(context.WithoutCancel(r.Context()))
	})
	if err != nil {
		s.log.Error().Err(err).Msg("list online users")
		respondError(w, "Failed to fetch online users", http.StatusServiceUnavailable)
		return
	}

	users, _ := v.([]string)
	if users == nil {
		users = []string{}
	}
	respondJSON(w, map[string]any{
		"onlineUsers": users,
	})
}

type healthResponse struct {
	Status      string `json:"status"`
	Redis       string `json:"redis"`
	Store       string `json:"store"`
	Relay       string `json:"relay"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Redis: "ok", Store: "ok", Relay: "ok"}

	var g errgroup.Group
	g.Go(func() error {
		if err := substrate.Ping(r.Context(), s.opts.Redis, s.opts.Timeout); err != nil {
			resp.Redis = err.Error()
		}
		return nil
	})
	g.Go(func() error {
		p, ok := s.opts.Session.Store.(Pinger)
		if !ok {
			return nil
		}
		ctx, cancel := substrate.WithTimeout(r.Context(), s.opts.Timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			resp.Store = err.Error()
		}
		return nil
	})
	_ = g.Wait()

	if s.opts.Relay != nil && !s.opts.Relay.Running() {
		resp.Relay = "not subscribed"
	}
	resp.Connections, resp.Rooms = s.opts.Session.Registry.Counts()

	code := http.StatusOK
	if resp.Redis != "ok" || resp.Store != "ok" || resp.Relay != "ok" {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
