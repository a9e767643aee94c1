package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"idia-astro/go-toolvisor/pkg/httpHelpers"
	"idia-astro/go-toolvisor/pkg/jsoncodec"
	helpers "idia-astro/go-toolvisor/pkg/shared"
	"idia-astro/go-toolvisor/services/gateway/internal/auth"
)

const (
	DefaultMaxBodyBytes      = 200000
	DefaultHeartbeatInterval = 15 * time.Second
	latestVersion            = "latest"
)

type Options struct {
	Version           string
	HeartbeatInterval time.Duration
	MaxBodyBytes      int64
	IngestAuth        auth.Authenticator
	SubscribeAuth     auth.Authenticator
	Logger            *slog.Logger
}

type Server struct {
	hub    *Hub
	opts   Options
	logger *slog.Logger
}

func NewServer(hub *Hub, opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.IngestAuth == nil {
		opts.IngestAuth = auth.NoopAuthenticator{}
	}
	if opts.SubscribeAuth == nil {
		opts.SubscribeAuth = auth.NoopAuthenticator{}
	}
	if opts.Logger == nil {
		opts.Logger = helpers.NopLogger()
	}
	return &Server{hub: hub, opts: opts, logger: opts.Logger}
}

// StreamPaths lists the SSE subscribe routes, versioned alias first.
func (s *Server) StreamPaths() []string {
	return []string{
		"/model_context_protocol/" + s.opts.Version + "/sse",
		"/model_context_protocol/latest/sse",
		"/model_context_protocol/sse",
		"/latest/sse",
		"/sse",
		"/events/stream",
	}
}

// IngestPaths lists the POST routes accepting events.
func (s *Server) IngestPaths() []string {
	return []string{
		"/model_context_protocol/" + s.opts.Version + "/events",
		"/model_context_protocol/latest/events",
		"/model_context_protocol/events",
		"/events",
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	ingest := http.HandlerFunc(s.handleIngest)
	stream := http.HandlerFunc(s.handleSSE)
	for _, p := range []string{"/events", "/model_context_protocol/events"} {
		r.Post(p, ingest)
	}
	r.Post("/model_context_protocol/{version}/events", s.versioned(ingest))
	for _, p := range []string{"/events/stream", "/sse", "/latest/sse", "/model_context_protocol/sse"} {
		r.Get(p, stream)
	}
	r.Get("/model_context_protocol/{version}/sse", s.versioned(stream))
	r.Get("/events/ws", s.handleWS)

	metrics := promhttp.HandlerFor(s.hub.Registry(), promhttp.HandlerOpts{})
	r.Method(http.MethodGet, "/metrics", metrics)
	r.Method(http.MethodGet, "/metrics/sse", metrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpHelpers.WriteOutput(w, map[string]any{
			"status":      "ok",
			"subscribers": s.hub.Subscribers(),
			"nextId":      s.hub.NextID(),
		})
	})
	return r
}

// versioned only accepts the configured protocol version or "latest".
func (s *Server) versioned(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := chi.URLParam(r, "version")
		if v != s.opts.Version && v != latestVersion {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	}
}

type ingestBody struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if _, err := s.opts.IngestAuth.AuthenticateHTTP(w, r); err != nil {
		httpHelpers.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpHelpers.WriteError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		httpHelpers.WriteError(w, http.StatusBadRequest, "error reading body")
		return
	}

	var body ingestBody
	if err := jsoncodec.Unmarshal(raw, &body); err != nil {
		httpHelpers.WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if body.Topic == "" {
		httpHelpers.WriteError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if strings.ContainsAny(body.Topic, "\r\n") {
		httpHelpers.WriteError(w, http.StatusBadRequest, "topic must be a single line")
		return
	}
	// each SSE data field has to stay on one line
	var data bytes.Buffer
	if len(body.Data) > 0 {
		if err := json.Compact(&data, body.Data); err != nil {
			httpHelpers.WriteError(w, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	e := s.hub.Publish(body.Topic, data.Bytes())
	s.logger.Debug("Event ingested", "id", e.ID, "topic", e.Topic)
	httpHelpers.WriteJSON(w, http.StatusAccepted, map[string]any{"id": e.ID})
}

// lastEventID reads the resume marker; nil means no replay.
func lastEventID(r *http.Request) *int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

func sseFrame(e Event) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "id: %d\nevent: %s\ndata: %s\n", e.ID, e.Topic, e.Data)
	if e.Sig != "" {
		fmt.Fprintf(&b, "data: {\"sig\":%q}\n", e.Sig)
	}
	b.WriteByte('\n')
	return b.Bytes()
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, err := s.opts.SubscribeAuth.AuthenticateHTTP(w, r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpHelpers.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, backlog, next := s.hub.Subscribe(ParseTopics(r.URL.Query().Get("topics")), lastEventID(r))
	defer s.hub.Unsubscribe(sub)
	logger := s.logger.With("subscriber", sub.ID)
	logger.Debug("Stream subscriber connected", "backlog", len(backlog), "remoteAddr", r.RemoteAddr)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(b []byte) bool {
		if _, err := w.Write(b); err != nil {
			logger.Debug("Stream write failed", "error", err)
			return false
		}
		flusher.Flush()
		return true
	}

	if !write([]byte(fmt.Sprintf(": stream start id=%d\n\n", next))) {
		return
	}
	for _, e := range backlog {
		frame := sseFrame(e)
		if !write(frame) {
			return
		}
		s.hub.Delivered(len(frame))
	}

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("Stream subscriber disconnected")
			return
		case e, ok := <-sub.Events():
			if !ok {
				logger.Info("Stream subscriber dropped", "dropped", sub.Dropped())
				return
			}
			frame := sseFrame(e)
			if !write(frame) {
				return
			}
			s.hub.Delivered(len(frame))
		case t := <-ticker.C:
			if !write([]byte(fmt.Sprintf(": heartbeat %d\n\n", t.UnixMilli()))) {
				return
			}
		}
	}
}

// Serve listens on addr and calls onListen with the bound address before
// serving. It returns once ctx is cancelled and the server has shut down.
func (s *Server) Serve(ctx context.Context, addr string, onListen func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		// streams end when ctx does
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	if onListen != nil {
		onListen(ln.Addr())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// a stream that ignores cancellation would hold Shutdown open
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
