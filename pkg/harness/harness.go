// Package harness hosts RPC methods inside a worker process. It reads
// newline-delimited JSON-RPC requests, dispatches them to registered handlers
// and writes exactly one response per request that carries an id.
package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"idia-astro/go-toolvisor/pkg/config"
	"idia-astro/go-toolvisor/pkg/events"
	"idia-astro/go-toolvisor/pkg/linecodec"
	"idia-astro/go-toolvisor/pkg/ratelimit"
	"idia-astro/go-toolvisor/pkg/rpcerr"
	helpers "idia-astro/go-toolvisor/pkg/shared"
)

var (
	ErrDuplicateMethod = errors.New("method already registered")
	ErrStarted         = errors.New("harness already started")
	ErrEmptyMethod     = errors.New("method name is empty")
)

// Handler serves one method. Returning an *rpcerr.Error controls the wire
// error; any other error maps to the generic code.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

type method struct {
	name    string
	handler Handler
	rawSpec json.RawMessage
	schema  *jsonschema.Schema
}

type MethodOption func(*method) error

// WithSchema validates params against a JSON schema before the handler runs.
func WithSchema(schema []byte) MethodOption {
	return func(m *method) error {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
		if err != nil {
			return fmt.Errorf("schema for %s: %w", m.name, err)
		}
		url := "mem://methods/" + m.name + ".json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(url, doc); err != nil {
			return fmt.Errorf("schema for %s: %w", m.name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("schema for %s: %w", m.name, err)
		}
		m.schema = sch
		m.rawSpec = append(json.RawMessage(nil), schema...)
		return nil
	}
}

type Options struct {
	// Name is announced as "server" in the readiness line.
	Name         string
	MaxLineBytes int
	RateLimit    ratelimit.Config
	// ErrorMetrics enables per-taxonomy counters and sys/errorStats.
	ErrorMetrics   bool
	MetricsEnabled bool
	HealthAddr     string
	StackMode      rpcerr.StackMode
	// CallTimeout bounds each handler call; zero disables it.
	CallTimeout time.Duration
	Events      *events.Client
	Logger      *slog.Logger
	// LevelVar backs sys/setLogLevel. When nil the method still answers but
	// only tracks the level.
	LevelVar *slog.LevelVar
	// ReadyWriter receives the readiness line instead of the response stream.
	ReadyWriter io.Writer
}

// OptionsFromConfig maps the harness section of the shared config.
func OptionsFromConfig(name string, cfg *config.Config) Options {
	h := cfg.Harness
	return Options{
		Name:         name,
		MaxLineBytes: h.MaxLineBytes,
		RateLimit: ratelimit.Config{
			Enabled:  h.RateLimit.Enabled,
			Capacity: h.RateLimit.Capacity,
			Refill:   h.RateLimit.Refill,
			Mode:     ratelimit.Mode(h.RateLimit.Mode),
		},
		ErrorMetrics:   h.ErrorMetrics,
		MetricsEnabled: h.MetricsEnabled,
		HealthAddr:     h.HealthAddr,
		StackMode:      rpcerr.ParseStackMode(h.ErrorsVerbose),
		CallTimeout:    h.CallTimeout,
	}
}

type Server struct {
	opts    Options
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	metrics *metrics

	mu      sync.RWMutex
	methods map[string]*method
	order   []string

	started  atomic.Bool
	serving  atomic.Bool
	reader   atomic.Pointer[linecodec.Reader]
	inflight sync.WaitGroup
	level    atomic.Value // string
}

// New builds a server with the sys/* methods already registered.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = helpers.NopLogger()
	}
	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		limiter: ratelimit.New(opts.RateLimit),
		metrics: newMetrics(opts.ErrorMetrics),
		methods: make(map[string]*method),
	}
	level := slog.LevelInfo
	if opts.LevelVar != nil {
		level = opts.LevelVar.Level()
	}
	s.level.Store(levelName(level))
	s.registerBuiltins()
	return s
}

// Register adds a method. Names are unique; registering after Serve has
// started fails.
func (s *Server) Register(name string, h Handler, opts ...MethodOption) error {
	if name == "" {
		return ErrEmptyMethod
	}
	if s.started.Load() {
		return fmt.Errorf("register %s: %w", name, ErrStarted)
	}
	m := &method{name: name, handler: h}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.methods[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateMethod)
	}
	s.methods[name] = m
	s.order = append(s.order, name)
	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (s *Server) MustRegister(name string, h Handler, opts ...MethodOption) {
	if err := s.Register(name, h, opts...); err != nil {
		panic(err)
	}
}

// Methods lists registered method names in registration order.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Server) lookup(name string) (*method, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[name]
	return m, ok
}

// Serving reports whether the input loop is running.
func (s *Server) Serving() bool { return s.serving.Load() }
