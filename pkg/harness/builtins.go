package harness

import (
	"context"
	"encoding/json"
	"log/slog"

	"idia-astro/go-toolvisor/pkg/jsoncodec"
	"idia-astro/go-toolvisor/pkg/rpcerr"
)

var logLevels = []string{"debug", "info", "warn", "error"}

const setLogLevelSchema = `{
	"type": "object",
	"required": ["level"],
	"properties": {
		"level": {"enum": ["debug", "info", "warn", "error"]}
	}
}`

func (s *Server) registerBuiltins() {
	s.MustRegister("sys/listMethods", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return map[string]any{"server": s.opts.Name, "methods": s.Methods()}, nil
	})

	s.MustRegister("sys/metrics", func(ctx context.Context, _ json.RawMessage) (any, error) {
		stats := s.metrics.callStats()
		out := map[string]any{
			"calls":  stats.Calls,
			"errors": stats.Errors,
		}
		if snap := s.limiter.Snapshot(); snap != nil {
			out["rateLimit"] = snap
		}
		if r := s.reader.Load(); r != nil {
			out["lineOverflows"] = r.Overflows()
		}
		return out, nil
	})

	if s.opts.ErrorMetrics {
		s.MustRegister("sys/errorStats", func(ctx context.Context, _ json.RawMessage) (any, error) {
			return s.metrics.errorStats(), nil
		})
	}

	s.MustRegister("sys/setLogLevel", s.setLogLevel, WithSchema([]byte(setLogLevelSchema)))
}

func (s *Server) setLogLevel(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Level string `json:"level"`
	}
	if err := jsoncodec.Unmarshal(params, &p); err != nil {
		return nil, rpcerr.InvalidParams(err.Error())
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(p.Level)); err != nil {
		return nil, rpcerr.New(rpcerr.CodeInvalidParams, "Invalid params: level",
			rpcerr.WithData(map[string]any{"allowed": logLevels}))
	}

	current := levelName(level)
	previous, _ := s.level.Swap(current).(string)
	if s.opts.LevelVar != nil {
		s.opts.LevelVar.Set(level)
	}
	changed := previous != current
	if changed {
		s.logger.Info("Log level changed", "previous", previous, "current", current)
		s.opts.Events.EmitAsync("log/level", map[string]any{
			"server":   s.opts.Name,
			"previous": previous,
			"current":  current,
		})
	}
	return map[string]any{"level": current, "changed": changed}, nil
}

func levelName(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}
