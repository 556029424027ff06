package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fmeyer/voicegate/internal/config"
	"github.com/fmeyer/voicegate/internal/health"
	"github.com/fmeyer/voicegate/internal/observability"
	"github.com/fmeyer/voicegate/internal/protocol"
	"github.com/fmeyer/voicegate/internal/session"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- protocol.ServerMessage) error
}

type Server struct {
	cfg          config.Config
	registry     *session.Registry
	orchestrator Orchestrator
	reporter     *health.Reporter
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, orchestrator Orchestrator, reporter *health.Reporter, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		registry:     registry,
		orchestrator: orchestrator,
		reporter:     reporter,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up; other websites must not drive a mic session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/ws", s.handleWS)

	return r
}

// handleHealth answers from in-memory state only: it must stay fast even
// when every provider call is timing out.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": s.reporter.Overall(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.reporter.StatusReport())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	mode := session.ModeVoice
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("mode")), string(session.ModeText)) {
		mode = session.ModeText
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess, err := s.registry.Open(mode)
	if err != nil {
		// The refusal goes over the socket so the client can tell a full
		// gateway from a broken one.
		if errors.Is(err, session.ErrCapacityExceeded) {
			s.metrics.SessionEvents.WithLabelValues("capacity_refused").Inc()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = conn.WriteJSON(protocol.NewControl(protocol.ServerCapacityExceeded))
		}
		return
	}
	defer func() {
		_ = s.registry.Close(sess.ID)
		s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
	}()

	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Janitor expiry and registry close both land here. Closing the conn
	// is what unblocks the read loop below; cancel alone cannot.
	sess.SetOnClose(func() {
		cancel()
		_ = conn.Close()
	})

	inbound := make(chan any, 256)
	outbound := make(chan protocol.ServerMessage, 256)
	runDone := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
		// Orchestrator teardown (disconnect control, closed inbound): let
		// the writer flush queued frames, then drop the socket so the read
		// loop exits and the session slot frees immediately.
		cancel()
		<-writerDone
		_ = conn.Close()
	}()

	go func() {
		defer close(writerDone)
		write := func(msg protocol.ServerMessage) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return false
			}
			s.metrics.WSMessages.WithLabelValues("outbound", string(msg.Type)).Inc()
			return true
		}
		for {
			select {
			case <-ctx.Done():
				// Final drain: frames queued before teardown still reach
				// the client (session-closed in particular).
				for {
					select {
					case msg := <-outbound:
						if !write(msg) {
							return
						}
					default:
						return
					}
				}
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				if !write(msg) {
					return
				}
			}
		}
	}()

	// Through the outbound channel: the writer goroutine is the only
	// conn writer.
	outbound <- protocol.NewControl(protocol.ServerSessionStartedPrefix + sess.ID)

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			// Malformed frames are reported, not fatal; the session and
			// socket stay up.
			s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
			select {
			case outbound <- protocol.NewControl(protocol.ServerProtocolError):
			default:
				// Writes stay single-threaded; drop when saturated.
			}
			continue
		}

		s.metrics.WSMessages.WithLabelValues("inbound", inboundLabel(parsed)).Inc()
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func inboundLabel(v any) string {
	switch v.(type) {
	case protocol.VoiceChunk:
		return string(protocol.TypeVoice)
	case protocol.TextInput:
		return string(protocol.TypeText)
	case protocol.Control:
		return string(protocol.TypeControl)
	default:
		return "unknown"
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
