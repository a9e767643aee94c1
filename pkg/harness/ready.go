package harness

import (
	"encoding/json"
	"io"
	"os"
	"strconv"

	"idia-astro/go-toolvisor/pkg/jsoncodec"
	"idia-astro/go-toolvisor/pkg/linecodec"
	"idia-astro/go-toolvisor/pkg/rpcerr"
	"idia-astro/go-toolvisor/pkg/shared/defs"
)

type readySchema struct {
	ErrorCodes []rpcerr.CatalogueEntry     `json:"errorCodes"`
	Methods    map[string]json.RawMessage `json:"methods,omitempty"`
}

// ReadyLine builds the readiness announcement for the current method table.
func (s *Server) ReadyLine() defs.ReadyLine {
	s.mu.RLock()
	schemas := make(map[string]json.RawMessage)
	for name, m := range s.methods {
		if m.rawSpec != nil {
			schemas[name] = m.rawSpec
		}
	}
	s.mu.RUnlock()

	line := defs.ReadyLine{Type: defs.ReadyType, Server: s.opts.Name, Methods: s.Methods()}
	if b, err := jsoncodec.Marshal(readySchema{ErrorCodes: rpcerr.Catalogue(), Methods: schemas}); err == nil {
		line.Schema = b
	}
	return line
}

func (s *Server) announce(responses *linecodec.Writer) error {
	w := responses
	if s.opts.ReadyWriter != nil {
		w = linecodec.NewWriter(s.opts.ReadyWriter)
	}
	return w.Encode(s.ReadyLine())
}

// ReadyWriterFromEnv opens the readiness descriptor inherited from the
// supervisor, if any.
func ReadyWriterFromEnv() (io.WriteCloser, bool) {
	v := os.Getenv(defs.ReadyFDEnv)
	if v == "" {
		return nil, false
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 3 {
		return nil, false
	}
	f := os.NewFile(uintptr(fd), "toolvisor-ready")
	if f == nil {
		return nil, false
	}
	return f, true
}
