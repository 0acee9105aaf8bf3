package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/rpc"
)

// eventStreamBackoff paces reconnects to the dispatcher's event stream.
const eventStreamBackoff = time.Second

// Server exposes the engine's control API to the dispatcher and pushes the
// engine's callback events upstream.
type Server struct {
	engine *Engine
	logger *slog.Logger
}

// NewServer wraps the engine.
func NewServer(engine *Engine, logger *slog.Logger) *Server {
	return &Server{engine: engine, logger: logger.With("component", "sfu_server")}
}

// HTTPServer builds the control listener.
func (s *Server) HTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Sessions outlive the control request that creates them, so the
	// engine gets a background context rather than the request's.
	mux.HandleFunc("POST "+rpc.PathJoinRoom, sfuHandle(s, func(r *http.Request, req rpc.JoinRoomRequest) (any, error) {
		return s.engine.JoinRoom(context.Background(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathSubscribe, sfuHandle(s, func(r *http.Request, req rpc.SubscribeRequest) (any, error) {
		return s.engine.Subscribe(context.Background(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathSetSubscriberSDP, sfuHandle(s, func(r *http.Request, req rpc.SetSubscriberSDPRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.engine.SetSubscriberSDP(req)
	}))
	mux.HandleFunc("POST "+rpc.PathAddPublisherCandidate, sfuHandle(s, func(r *http.Request, req rpc.CandidateRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.engine.AddPublisherCandidate(req)
	}))
	mux.HandleFunc("POST "+rpc.PathAddSubscriberCandidate, sfuHandle(s, func(r *http.Request, req rpc.CandidateRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.engine.AddSubscriberCandidate(req)
	}))
	mux.HandleFunc("POST "+rpc.PathPublisherRenegotiation, sfuHandle(s, func(r *http.Request, req rpc.RenegotiationRequest) (any, error) {
		return s.engine.PublisherRenegotiation(req)
	}))
	mux.HandleFunc("POST "+rpc.PathMigrateConnection, sfuHandle(s, func(r *http.Request, req rpc.MigrateRequest) (any, error) {
		return s.engine.MigrateConnection(req)
	}))
	mux.HandleFunc("POST "+rpc.PathLeaveRoom, sfuHandle(s, func(r *http.Request, req rpc.LeaveRoomRequest) (any, error) {
		s.engine.LeaveRoom(req.ClientID)
		return rpc.StatusResponse{OK: true}, nil
	}))
	mux.HandleFunc("POST "+rpc.PathSetVideoEnabled, sfuHandle(s, func(r *http.Request, req rpc.SetEnabledRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.engine.SetVideoEnabled(req.ClientID, req.Enabled)
	}))
	mux.HandleFunc("POST "+rpc.PathSetAudioEnabled, sfuHandle(s, func(r *http.Request, req rpc.SetEnabledRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.engine.SetAudioEnabled(req.ClientID, req.Enabled)
	}))
	mux.HandleFunc("POST "+rpc.PathSetE2EEEnabled, sfuHandle(s, func(r *http.Request, req rpc.SetEnabledRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.engine.SetE2EEEnabled(req.ClientID, req.Enabled)
	}))
	mux.HandleFunc("POST "+rpc.PathSetHandRaising, sfuHandle(s, func(r *http.Request, req rpc.SetEnabledRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.engine.SetHandRaising(req.ClientID, req.Enabled)
	}))
	mux.HandleFunc("POST "+rpc.PathSetScreenSharing, sfuHandle(s, func(r *http.Request, req rpc.SetScreenSharingRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.engine.SetScreenSharing(req.ClientID, req.Enabled, req.ScreenTrackID)
	}))
	mux.HandleFunc("POST "+rpc.PathSetCameraType, sfuHandle(s, func(r *http.Request, req rpc.SetCameraTypeRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.engine.SetCameraType(req.ClientID, req.CameraType)
	}))
	mux.HandleFunc("POST "+rpc.PathSetSubscriberQuality, sfuHandle(s, func(r *http.Request, req rpc.SetSubscriberQualityRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.engine.SetSubscriberQuality(req)
	}))
}

func sfuHandle[Req any](s *Server, fn func(r *http.Request, req Req) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			rpc.WriteError(w, http.StatusBadRequest, err)
			return
		}

		resp, err := fn(r, req)
		if err != nil {
			s.logger.Warn("engine call failed", "path", r.URL.Path, "error", err)
			rpc.WriteError(w, sfuStatusFor(err), err)
			return
		}
		rpc.WriteJSON(w, resp)
	}
}

func sfuStatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrPublisherNotFound),
		errors.Is(err, domain.ErrSubscriberNotFound),
		errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrPeerNotFound),
		errors.Is(err, domain.ErrClientNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrFailedToSetSDP),
		errors.Is(err, domain.ErrFailedToCreateOffer),
		errors.Is(err, domain.ErrFailedToCreateAnswer),
		errors.Is(err, domain.ErrInvalidICECandidate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// RunEventStream keeps one WebSocket stream open to the dispatcher and
// pushes the engine's callback events over it, reconnecting on failure.
// Events buffered in the engine channel survive reconnects.
func (s *Server) RunEventStream(ctx context.Context, dispatcherAddr, nodeID string) {
	url := "ws://" + dispatcherAddr + rpc.EventStreamPath + "?node_id=" + nodeID

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			s.logger.Warn("dispatcher event stream dial failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(eventStreamBackoff):
			}
			continue
		}

		s.logger.Info("dispatcher event stream connected", "addr", dispatcherAddr)
		s.pumpEvents(ctx, conn)
		_ = conn.Close()
	}
}

func (s *Server) pumpEvents(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.engine.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warn("event stream write failed", "type", string(ev.Type), "error", err)
				return
			}
		}
	}
}
