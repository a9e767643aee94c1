package rpcerr

import (
	"fmt"
	"sort"
)

// Def describes one error kind of a domain.
type Def struct {
	Code      int    `json:"code"`
	Symbol    string `json:"symbol"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Domain is a named catalogue of error kinds with a single factory.
type Domain struct {
	name string
	defs map[string]Def
}

func NewDomain(name string, defs map[string]Def) *Domain {
	cp := make(map[string]Def, len(defs))
	for k, v := range defs {
		cp[k] = v
	}
	return &Domain{name: name, defs: cp}
}

func (d *Domain) Name() string { return d.name }

// Error builds the error for kind. An unknown kind is a programming error and
// yields an internal error naming it.
func (d *Domain) Error(kind string, opts ...Option) *Error {
	def, ok := d.defs[kind]
	if !ok {
		return New(CodeInternal, fmt.Sprintf("unknown %s error kind: %s", d.name, kind), WithDomain(d.name))
	}
	base := []Option{WithRetryable(def.Retryable)}
	base = append(base, opts...)
	base = append(base, WithDomain(d.name), WithSymbol(def.Symbol))
	e := New(def.Code, def.Message, base...)
	return e
}

// CatalogueEntry is one row of the published error code table.
type CatalogueEntry struct {
	Domain string `json:"domain"`
	Def
}

// Entries lists the domain's kinds ordered by code.
func (d *Domain) Entries() []CatalogueEntry {
	out := make([]CatalogueEntry, 0, len(d.defs))
	for _, def := range d.defs {
		out = append(out, CatalogueEntry{Domain: d.name, Def: def})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

var (
	Protocol = NewDomain("protocol", map[string]Def{
		"PARSE":            {Code: CodeParse, Symbol: "E_PARSE", Message: "Invalid JSON"},
		"INVALID_REQUEST":  {Code: CodeInvalidRequest, Symbol: "E_INVALID_REQUEST", Message: "Invalid request"},
		"METHOD_NOT_FOUND": {Code: CodeMethodNotFound, Symbol: "E_METHOD_NOT_FOUND", Message: "Method not found"},
		"INVALID_PARAMS":   {Code: CodeInvalidParams, Symbol: "E_INVALID_PARAMS", Message: "Invalid params"},
		"INTERNAL":         {Code: CodeInternal, Symbol: "E_INTERNAL", Message: "Internal error"},
		"CALL_TIMEOUT":     {Code: CodeCallTimeout, Symbol: "E_CALL_TIMEOUT", Message: "Call timed out", Retryable: true},
	})

	RateLimit = NewDomain("rate-limit", map[string]Def{
		"EXCEEDED": {Code: CodeRateLimited, Symbol: "E_RL_EXCEEDED", Message: "Rate limit exceeded", Retryable: true},
	})

	Filesystem = NewDomain("filesystem", map[string]Def{
		"PATH_ESCAPE":     {Code: 2500, Symbol: "E_FS_PATH_ESCAPE", Message: "Path escapes root"},
		"DENIED":          {Code: 2501, Symbol: "E_FS_DENIED", Message: "Operation denied by policy"},
		"NOT_FOUND":       {Code: 2502, Symbol: "E_FS_NOT_FOUND", Message: "File or directory not found"},
		"WRITE_TOO_LARGE": {Code: 2503, Symbol: "E_FS_WRITE_TOO_LARGE", Message: "Write exceeds size limit"},
		"INVALID_PARAMS":  {Code: 1000, Symbol: "E_INVALID_PARAMS", Message: "Invalid parameters"},
	})

	MemoryBank = NewDomain("memory-bank", map[string]Def{
		"FILE_NOT_FOUND": {Code: 2300, Symbol: "E_MB_FILE_NOT_FOUND", Message: "invalid file"},
		"READ_FAILED":    {Code: 2301, Symbol: "E_MB_READ", Message: "read failed"},
	})

	KnowledgeGraph = NewDomain("kg", map[string]Def{
		"FULL":           {Code: 2400, Symbol: "E_KG_FULL", Message: "triple store full"},
		"INVALID_TRIPLE": {Code: 2401, Symbol: "E_KG_INVALID_TRIPLE", Message: "invalid triple"},
	})
)

// Catalogue returns every built-in kind, published in readiness lines.
func Catalogue() []CatalogueEntry {
	var out []CatalogueEntry
	for _, d := range []*Domain{Protocol, RateLimit, Filesystem, MemoryBank, KnowledgeGraph} {
		out = append(out, d.Entries()...)
	}
	return out
}
