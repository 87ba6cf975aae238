package diag

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"ex-kagami/internal/codec"
	"ex-kagami/internal/kernel"
	"ex-kagami/internal/pipeline"
	"ex-kagami/pkg/kagami"
)

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type stateResponse struct {
	Hub       kernel.HubStats `json:"hub"`
	SessionID string          `json:"session_id,omitempty"`
	Rebuilds  int             `json:"rebuilds"`
}

type bucketsResponse struct {
	Pipeline pipeline.Stats      `json:"pipeline"`
	Gate     pipeline.GateStatus `json:"gate"`
}

type guildResponse struct {
	Version  uint64           `json:"version"`
	Guild    kagami.Guild     `json:"guild"`
	Channels []kagami.Channel `json:"channels"`
	Roles    []kagami.Role    `json:"roles"`
	Members  int              `json:"members"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// feedFrame is one websocket message of a partition feed.
type feedFrame struct {
	ID       string          `json:"id"`
	Type     string          `json:"t"`
	Sequence int64           `json:"s,omitempty"`
	Data     json.RawMessage `json:"d,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.kernel.Hub().Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	hub := s.kernel.Hub()
	writeJSON(w, http.StatusOK, stateResponse{
		Hub:       hub.Stats(),
		SessionID: hub.State().Current.SessionID(),
		Rebuilds:  s.kernel.Rebuilds(),
	})
}

func (s *Server) handleBuckets(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusNotFound, "request pipeline not configured")
		return
	}

	writeJSON(w, http.StatusOK, bucketsResponse{
		Pipeline: s.pipeline.Stats(),
		Gate:     s.pipeline.Buckets(),
	})
}

func (s *Server) handleGuild(w http.ResponseWriter, r *http.Request) {
	guildID, ok := guildParam(w, r)
	if !ok {
		return
	}

	current := s.kernel.Hub().State().Current
	guild, cached := current.Guild(guildID)
	if !cached {
		writeError(w, http.StatusNotFound, "guild not cached")
		return
	}

	writeJSON(w, http.StatusOK, guildResponse{
		Version:  current.Version(),
		Guild:    guild,
		Channels: current.GuildChannels(guildID),
		Roles:    current.Roles(guildID),
		Members:  len(current.Members(guildID)),
	})
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	injector, exists := s.injectors[name]
	if !exists {
		writeError(w, http.StatusNotFound, "unknown in-process source "+name)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxInjectSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if err := injector.Inject(r.Context(), raw); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, codec.ErrMalformedEnvelope) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleFeed streams the partition feed of one guild until either side leaves.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	guildID, ok := guildParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed, err := s.kernel.FilterFor(ctx, guildID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer func() {
		_ = feed.Close(context.Background())
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(ctx, "feed upgrade failed", "guild_id", guildID, "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()
	s.logger.InfoContext(ctx, "feed opened", "guild_id", guildID, "remote", r.RemoteAddr)

	// Reads only detect the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.closeFeed(conn, websocket.CloseGoingAway, "server stopping")
			return
		case <-feed.Done():
			s.closeFeed(conn, websocket.CloseTryAgainLater, "hub stopped")
			return
		case event := <-feed.Events():
			frame, err := newFeedFrame(event)
			if err != nil {
				s.logger.WarnContext(ctx, "feed frame encode failed", "event", event.String(), "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				s.logger.WarnContext(ctx, "feed send failed", "guild_id", guildID, "error", err)
				return
			}
		}
	}
}

func (s *Server) closeFeed(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(s.writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func newFeedFrame(event kagami.Event) (feedFrame, error) {
	body, err := codec.EncodeBody(event.Payload)
	if err != nil {
		return feedFrame{}, err
	}
	kind := string(event.Kind())
	if kind == "" {
		kind = "UNKNOWN"
	}

	return feedFrame{
		ID:       event.ID,
		Type:     kind,
		Sequence: event.Sequence,
		Data:     body,
	}, nil
}

func guildParam(w http.ResponseWriter, r *http.Request) (kagami.ID, bool) {
	guildID, err := kagami.ParseID(chi.URLParam(r, "guildID"))
	if err != nil || guildID.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid guild id")
		return 0, false
	}

	return guildID, true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
