package defs

import "encoding/json"

// ReadyType is the "type" of the readiness announcement line.
const ReadyType = "ready"

// ReadyFDEnv names the environment variable carrying the inherited file
// descriptor a worker writes its readiness line to.
const ReadyFDEnv = "TOOLVISOR_READY_FD"

// ReadyLine is the readiness announcement a worker emits once at start.
type ReadyLine struct {
	Type    string          `json:"type"`
	Server  string          `json:"server,omitempty"`
	Methods []string        `json:"methods"`
	Schema  json.RawMessage `json:"schema,omitempty"`
	Port    int             `json:"port,omitempty"`
}

type WorkerListItem struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	ProcessId int    `json:"processId,omitempty"`
}

// WorkerStatus is the per-worker view served by the supervisor status API and
// embedded in the final summary record.
type WorkerStatus struct {
	Name           string   `json:"name"`
	State          string   `json:"state"`
	ProcessId      int      `json:"processId,omitempty"`
	Alive          bool     `json:"alive"`
	Spawns         int      `json:"spawns"`
	Restarts       int      `json:"restarts"`
	Exits          int      `json:"exits"`
	LastExitCode   *int     `json:"lastExitCode"`
	Ready          bool     `json:"ready"`
	ReadyLatencyMs *int64   `json:"readyLatencyMs"`
	TotalUptimeMs  int64    `json:"totalUptimeMs"`
	GaveUp         bool     `json:"gaveUp"`
	StopReason     string   `json:"stopReason,omitempty"`
	Methods        []string `json:"methods,omitempty"`
}
