package harness

import (
	"context"
	"os"

	helpers "idia-astro/go-toolvisor/pkg/shared"
)

// Run serves the worker's stdio. The readiness line goes to the descriptor
// named by TOOLVISOR_READY_FD when the supervisor provides one.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.ReadyWriter == nil {
		if w, ok := ReadyWriterFromEnv(); ok {
			s.opts.ReadyWriter = w
			defer helpers.CloseOrLog(w)
		}
	}
	if s.opts.HealthAddr != "" {
		if _, err := s.StartHTTP(ctx, s.opts.HealthAddr); err != nil {
			return err
		}
	}
	s.logger.Info("Worker serving", "server", s.opts.Name, "methods", len(s.Methods()))
	return s.Serve(ctx, os.Stdin, os.Stdout)
}
