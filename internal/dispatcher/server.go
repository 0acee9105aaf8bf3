package dispatcher

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/rpc"
)

// Server exposes the dispatcher's control API to signalling and hosts the
// SFU event stream endpoint.
type Server struct {
	dispatcher *Dispatcher
	bus        *CallbackBus
	logger     *slog.Logger
}

// NewServer wires the dispatcher facade and the callback bus into an HTTP server.
func NewServer(d *Dispatcher, bus *CallbackBus, logger *slog.Logger) *Server {
	return &Server{dispatcher: d, bus: bus, logger: logger.With("component", "dispatcher_server")}
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

	mux.Handle("GET "+rpc.EventStreamPath, s.bus)

	mux.HandleFunc("POST "+rpc.PathJoinRoom, handle(s, func(r *http.Request, req rpc.JoinRoomRequest) (any, error) {
		return s.dispatcher.JoinRoom(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathSubscribe, handle(s, func(r *http.Request, req rpc.SubscribeRequest) (any, error) {
		return s.dispatcher.Subscribe(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathSetSubscriberSDP, handle(s, func(r *http.Request, req rpc.SetSubscriberSDPRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.dispatcher.SetSubscriberSDP(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathAddPublisherCandidate, handle(s, func(r *http.Request, req rpc.CandidateRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.dispatcher.AddPublisherCandidate(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathAddSubscriberCandidate, handle(s, func(r *http.Request, req rpc.CandidateRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.dispatcher.AddSubscriberCandidate(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathPublisherRenegotiation, handle(s, func(r *http.Request, req rpc.RenegotiationRequest) (any, error) {
		return s.dispatcher.PublisherRenegotiation(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathMigrateConnection, handle(s, func(r *http.Request, req rpc.MigrateRequest) (any, error) {
		return s.dispatcher.MigrateConnection(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathLeaveRoom, handle(s, func(r *http.Request, req rpc.LeaveRoomRequest) (any, error) {
		binding, err := s.dispatcher.LeaveRoom(r.Context(), req)
		if err != nil {
			return nil, err
		}
		return binding, nil
	}))
	mux.HandleFunc("POST "+rpc.PathSetVideoEnabled, handle(s, func(r *http.Request, req rpc.SetEnabledRequest) (any, error) {
		return s.dispatcher.SetVideoEnabled(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathSetAudioEnabled, handle(s, func(r *http.Request, req rpc.SetEnabledRequest) (any, error) {
		return s.dispatcher.SetAudioEnabled(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathSetE2EEEnabled, handle(s, func(r *http.Request, req rpc.SetEnabledRequest) (any, error) {
		return s.dispatcher.SetE2EEEnabled(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathSetHandRaising, handle(s, func(r *http.Request, req rpc.SetEnabledRequest) (any, error) {
		return s.dispatcher.SetHandRaising(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathSetScreenSharing, handle(s, func(r *http.Request, req rpc.SetScreenSharingRequest) (any, error) {
		return s.dispatcher.SetScreenSharing(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathSetCameraType, handle(s, func(r *http.Request, req rpc.SetCameraTypeRequest) (any, error) {
		return s.dispatcher.SetCameraType(r.Context(), req)
	}))
	mux.HandleFunc("POST "+rpc.PathSetSubscriberQuality, handle(s, func(r *http.Request, req rpc.SetSubscriberQualityRequest) (any, error) {
		return rpc.StatusResponse{OK: true}, s.dispatcher.SetSubscriberQuality(r.Context(), req)
	}))
}

// handle decodes the request body, invokes fn and writes the response with
// the domain error taxonomy mapped onto HTTP status codes.
func handle[Req any](s *Server, fn func(r *http.Request, req Req) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			rpc.WriteError(w, http.StatusBadRequest, err)
			return
		}

		resp, err := fn(r, req)
		if err != nil {
			s.logger.Warn("control call failed", "path", r.URL.Path, "error", err)
			rpc.WriteError(w, statusFor(err), err)
			return
		}
		rpc.WriteJSON(w, resp)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrClientNotFound),
		errors.Is(err, domain.ErrPublisherNotFound),
		errors.Is(err, domain.ErrSubscriberNotFound),
		errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrPeerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNodeUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrFailedToSetSDP),
		errors.Is(err, domain.ErrFailedToCreateOffer),
		errors.Is(err, domain.ErrFailedToCreateAnswer),
		errors.Is(err, domain.ErrInvalidICECandidate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
