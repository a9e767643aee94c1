// Package handlers implements the echo worker's methods.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"idia-astro/go-toolvisor/pkg/harness"
	"idia-astro/go-toolvisor/pkg/jsoncodec"
	"idia-astro/go-toolvisor/pkg/rpcerr"
)

const sleepSchema = `{
	"type": "object",
	"required": ["ms"],
	"properties": {"ms": {"type": "integer", "minimum": 0, "maximum": 600000}}
}`

const failSchema = `{
	"type": "object",
	"properties": {
		"code": {"type": "integer"},
		"message": {"type": "string"},
		"symbol": {"type": "string"},
		"domain": {"type": "string"},
		"retryable": {"type": "boolean"},
		"details": {}
	}
}`

type failParams struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Symbol    string `json:"symbol"`
	Domain    string `json:"domain"`
	Retryable *bool  `json:"retryable"`
	Details   any    `json:"details"`
}

// Register adds the echo/* methods to s.
func Register(s *harness.Server) error {
	if err := s.Register("echo/echo", Echo); err != nil {
		return err
	}
	if err := s.Register("echo/sleep", Sleep, harness.WithSchema([]byte(sleepSchema))); err != nil {
		return err
	}
	return s.Register("echo/fail", Fail, harness.WithSchema([]byte(failSchema)))
}

// Echo returns its params unchanged.
func Echo(ctx context.Context, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func Sleep(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Ms int64 `json:"ms"`
	}
	if err := jsoncodec.Unmarshal(params, &p); err != nil {
		return nil, rpcerr.InvalidParams(err.Error())
	}
	start := time.Now()
	timer := time.NewTimer(time.Duration(p.Ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]int64{"sleptMs": time.Since(start).Milliseconds()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fail raises the structured error described by its params.
func Fail(ctx context.Context, params json.RawMessage) (any, error) {
	var p failParams
	if len(params) > 0 {
		if err := jsoncodec.Unmarshal(params, &p); err != nil {
			return nil, rpcerr.InvalidParams(err.Error())
		}
	}
	if p.Code == 0 {
		p.Code = rpcerr.CodeGeneric
	}
	if p.Message == "" {
		p.Message = "requested failure"
	}
	opts := []rpcerr.Option{rpcerr.WithDomain(p.Domain), rpcerr.WithSymbol(p.Symbol)}
	if p.Domain == "" {
		opts[0] = rpcerr.WithDomain("echo")
	}
	if p.Retryable != nil {
		opts = append(opts, rpcerr.WithRetryable(*p.Retryable))
	}
	if p.Details != nil {
		opts = append(opts, rpcerr.WithDetails(p.Details))
	}
	return nil, rpcerr.New(p.Code, p.Message, opts...)
}
