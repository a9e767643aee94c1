package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"idia-astro/go-toolvisor/pkg/events"
	helpers "idia-astro/go-toolvisor/pkg/shared"
)

// Recorder writes lifecycle records as JSON lines to stdout, the optional
// summary log file and, when configured, the event gateway.
type Recorder struct {
	logger *slog.Logger
	// errorLog gets delivery failures, never the record stream
	errorLog *slog.Logger
	file     *os.File
	events   *events.Client
}

const (
	eventsTopic      = "supervisor"
	finalEmitTimeout = 2 * time.Second
)

// NewRecorder appends to logFile when it is not empty.
func NewRecorder(w io.Writer, logFile string, ev *events.Client) (*Recorder, error) {
	r := &Recorder{events: ev, errorLog: slog.Default()}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open summary log: %w", err)
		}
		r.file = f
		w = io.MultiWriter(w, f)
	}
	r.logger = helpers.NewLoggerTo(w, "supervisor", slog.LevelInfo)
	return r, nil
}

// Record emits one lifecycle record. attrs are slog key/value pairs.
func (r *Recorder) Record(event string, attrs ...any) {
	if r == nil {
		return
	}
	r.logger.Info(event, append([]any{"type", "supervisor", "event", event}, attrs...)...)
	if r.events != nil {
		r.events.EmitAsync(eventsTopic, eventData(event, attrs))
	}
}

// RecordFinal is Record for the last records before the process exits: it
// waits for earlier posts and delivers this one before returning, giving up
// after finalEmitTimeout.
func (r *Recorder) RecordFinal(event string, attrs ...any) {
	if r == nil {
		return
	}
	r.logger.Info(event, append([]any{"type", "supervisor", "event", event}, attrs...)...)
	if r.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalEmitTimeout)
	defer cancel()
	if err := r.events.Flush(ctx); err != nil {
		r.errorLog.Debug("Earlier events still pending", "error", err)
	}
	if _, err := r.events.Emit(ctx, eventsTopic, eventData(event, attrs)); err != nil {
		r.errorLog.Debug("Event emit failed", "event", event, "error", err)
	}
}

func eventData(event string, attrs []any) map[string]any {
	data := map[string]any{"event": event}
	for i := 0; i+1 < len(attrs); i += 2 {
		if k, ok := attrs[i].(string); ok {
			data[k] = attrs[i+1]
		}
	}
	return data
}

// Close closes the summary log file.
func (r *Recorder) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
