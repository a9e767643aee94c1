package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"idia-astro/go-toolvisor/pkg/jsoncodec"
	"idia-astro/go-toolvisor/pkg/linecodec"
	"idia-astro/go-toolvisor/pkg/rpcerr"
)

const jsonrpcVersion = "2.0"

var nullID = json.RawMessage("null")

type resultResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcerr.Wire     `json:"error"`
}

// request keeps the raw id so it is echoed exactly as received. hasID is
// false for notifications.
type request struct {
	id     json.RawMessage
	hasID  bool
	method string
	params json.RawMessage
}

// Serve announces readiness, then handles requests from in until EOF or ctx
// is done. Each request runs on its own goroutine, so responses can be
// written out of request order. Serve waits for in-flight calls before it
// returns.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	w := linecodec.NewWriter(out)
	r := linecodec.NewReader(in, s.opts.MaxLineBytes, s.logger)
	s.reader.Store(r)

	if err := s.announce(w); err != nil {
		return fmt.Errorf("announce readiness: %w", err)
	}
	s.serving.Store(true)
	defer s.serving.Store(false)

	type readResult struct {
		line []byte
		err  error
	}
	lines := make(chan readResult)
	go func() {
		for {
			line, err := r.ReadLine()
			select {
			case lines <- readResult{line, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var readErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case res := <-lines:
			if res.err != nil {
				if !errors.Is(res.err, io.EOF) {
					readErr = res.err
				}
				break loop
			}
			s.handleLine(ctx, res.line, w)
		}
	}
	s.inflight.Wait()
	return readErr
}

func (s *Server) handleLine(ctx context.Context, line []byte, w *linecodec.Writer) {
	req, perr := parseRequest(line)
	if perr != nil {
		id := nullID
		if req.hasID {
			id = req.id
		}
		s.metrics.recordTaxonomy(rpcerr.ToWire(perr, rpcerr.StackMode{}))
		s.writeError(w, id, perr)
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		result, err := s.dispatch(ctx, req)
		if !req.hasID {
			if err != nil {
				s.logger.Debug("Notification failed", "method", req.method, "error", err)
			}
			return
		}
		if err != nil {
			s.writeError(w, req.id, err)
			return
		}
		s.writeResult(w, req.id, result)
	}()
}

func parseRequest(line []byte) (request, error) {
	var fields map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(line, &fields); err != nil {
		if !jsoncodec.Valid(line) {
			return request{}, rpcerr.ParseError()
		}
		return request{}, rpcerr.InvalidRequest("Request must be a JSON object")
	}

	var req request
	if raw, ok := fields["id"]; ok {
		req.hasID = true
		req.id = raw
		if len(raw) == 0 {
			req.id = nullID
		}
	}
	raw, ok := fields["method"]
	if !ok {
		return req, rpcerr.InvalidRequest("Request has no method")
	}
	if err := jsoncodec.Unmarshal(raw, &req.method); err != nil || req.method == "" {
		return req, rpcerr.InvalidRequest("Method must be a non-empty string")
	}
	req.params = fields["params"]
	if bytes.Equal(req.params, nullID) {
		req.params = nil
	}
	return req, nil
}

// dispatch resolves, gates, validates and invokes one request. Metrics are
// recorded here so every outcome is counted once.
func (s *Server) dispatch(ctx context.Context, req request) (result any, err error) {
	m, ok := s.lookup(req.method)
	if !ok {
		err = rpcerr.MethodNotFound(req.method)
		s.metrics.recordTaxonomy(rpcerr.ToWire(err, rpcerr.StackMode{}))
		return nil, err
	}

	defer func() {
		var wire *rpcerr.Wire
		if err != nil {
			w := rpcerr.ToWire(err, rpcerr.StackMode{})
			wire = &w
		}
		s.metrics.recordCall(m.name, wire)
	}()

	if d := s.limiter.Allow(m.name); !d.Allowed {
		return nil, rpcerr.RateLimited(d.Key, d.Remaining)
	}
	if m.schema != nil {
		if verr := validateParams(m.schema, req.params); verr != nil {
			return nil, rpcerr.InvalidParams(verr.Error())
		}
	}
	return s.invoke(ctx, m, req.params)
}

func validateParams(schema *jsonschema.Schema, params json.RawMessage) error {
	var inst any = map[string]any{}
	if len(params) > 0 {
		v, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
		if err != nil {
			return err
		}
		inst = v
	}
	return schema.Validate(inst)
}

type outcome struct {
	result any
	err    error
}

// invoke runs the handler under the per-call deadline. A handler that
// outlives its deadline keeps running but its result is dropped.
func (s *Server) invoke(ctx context.Context, m *method, params json.RawMessage) (any, error) {
	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Handler panicked", "method", m.name, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: rpcerr.Internal(fmt.Sprintf("Internal error: %v", r))}
			}
		}()
		res, err := m.handler(ctx, params)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, rpcerr.CallTimeout(m.name, s.opts.CallTimeout)
		}
		return nil, rpcerr.Internal("Call cancelled")
	}
}

func (s *Server) writeError(w *linecodec.Writer, id json.RawMessage, err error) {
	s.write(w, errorResponse{JSONRPC: jsonrpcVersion, ID: id, Error: rpcerr.ToWire(err, s.opts.StackMode)})
}

func (s *Server) writeResult(w *linecodec.Writer, id json.RawMessage, result any) {
	b, err := jsoncodec.Marshal(resultResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result})
	if err != nil {
		s.writeError(w, id, rpcerr.Internal("Result is not serializable"))
		return
	}
	if err := w.WriteLine(b); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) write(w *linecodec.Writer, v any) {
	if err := w.Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
