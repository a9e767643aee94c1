package gateway

import (
	"net"

	"idia-astro/go-toolvisor/pkg/shared/defs"
)

const ServerName = "event-gateway"

// ReadyInfo is the readiness line printed once the gateway listens, so the
// supervisor can run it like any other worker.
type ReadyInfo struct {
	defs.ReadyLine
	Version     string   `json:"sseVersion"`
	SSEPaths    []string `json:"ssePaths"`
	IngestPaths []string `json:"ingestPaths"`
	RingSize    int      `json:"ringSize"`
}

func (s *Server) ReadyInfo(addr net.Addr) ReadyInfo {
	port := 0
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	return ReadyInfo{
		ReadyLine: defs.ReadyLine{
			Type:    defs.ReadyType,
			Server:  ServerName,
			Methods: []string{},
			Port:    port,
		},
		Version:     s.opts.Version,
		SSEPaths:    s.StreamPaths(),
		IngestPaths: s.IngestPaths(),
		RingSize:    s.hub.ring.Cap(),
	}
}
