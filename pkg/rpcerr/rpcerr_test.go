package rpcerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToWirePlainError(t *testing.T) {
	w := ToWire(errors.New("boom"), StackMode{})
	assert.Equal(t, CodeGeneric, w.Code)
	assert.Equal(t, "boom", w.Message)
	assert.Nil(t, w.Data)

	w = ToWire(nil, StackMode{})
	assert.Equal(t, CodeGeneric, w.Code)
}

func TestToWireStructured(t *testing.T) {
	err := New(2100, "Navigation failed",
		WithDomain("playwright"), WithSymbol("E_PW_NAV"), WithRetryable(true), WithDetails("timeout 30s"),
		WithData(map[string]any{"url": "x", "domain": "ignored"}))

	w := ToWire(fmt.Errorf("wrapped: %w", err), StackMode{})
	assert.Equal(t, 2100, w.Code)
	assert.Equal(t, "Navigation failed", w.Message)
	assert.Equal(t, map[string]any{
		"domain":    "playwright",
		"symbol":    "E_PW_NAV",
		"retryable": true,
		"details":   "timeout 30s",
		"url":       "x",
	}, w.Data)
}

func TestToWireStack(t *testing.T) {
	err := New(1, "with stack")

	w := ToWire(err, ParseStackMode("2"))
	stack, ok := w.Data["stack"].(string)
	require.True(t, ok)
	assert.Len(t, strings.Split(stack, "\n"), 2)
	assert.True(t, strings.HasPrefix(stack, "Error: with stack"))

	w = ToWire(err, ParseStackMode("full"))
	assert.Contains(t, w.Data["stack"], "TestToWireStack")

	w = ToWire(err, ParseStackMode(""))
	assert.NotContains(t, w.Data, "stack")
}

func TestParseStackMode(t *testing.T) {
	assert.Equal(t, StackMode{}, ParseStackMode(""))
	assert.Equal(t, StackMode{Full: true}, ParseStackMode("full"))
	assert.Equal(t, StackMode{Lines: 3}, ParseStackMode("3"))
	assert.Equal(t, StackMode{Lines: 5}, ParseStackMode("yes"))
}

func TestDomainFactory(t *testing.T) {
	e := Filesystem.Error("PATH_ESCAPE", WithDetails("/etc/passwd"))
	assert.Equal(t, 2500, e.Code)
	assert.Equal(t, "filesystem", e.Domain)
	assert.Equal(t, "E_FS_PATH_ESCAPE", e.Symbol)
	assert.False(t, e.IsRetryable())

	// domain and symbol cannot be overridden by options
	e = KnowledgeGraph.Error("FULL", WithSymbol("OTHER"))
	assert.Equal(t, "E_KG_FULL", e.Symbol)

	e = MemoryBank.Error("NOPE")
	assert.Equal(t, CodeInternal, e.Code)
	assert.Contains(t, e.Message, "NOPE")
}

func TestBuiltins(t *testing.T) {
	assert.Equal(t, CodeParse, ParseError().Code)
	assert.Equal(t, CodeMethodNotFound, MethodNotFound("x/y").Code)

	rl := RateLimited("global", 0)
	assert.True(t, rl.IsRetryable())
	assert.Equal(t, "E_RL_EXCEEDED", rl.Symbol)
	assert.Equal(t, "rate-limit", rl.Domain)

	to := CallTimeout("echo/sleep", 2*time.Second)
	assert.Equal(t, CodeCallTimeout, to.Code)
	assert.True(t, to.IsRetryable())
	assert.Equal(t, "echo/sleep exceeded 2s", to.Details)
}

func TestCatalogueSorted(t *testing.T) {
	cat := Catalogue()
	require.NotEmpty(t, cat)
	seen := map[string]bool{}
	for _, c := range cat {
		seen[c.Symbol] = true
	}
	for _, sym := range []string{"E_FS_PATH_ESCAPE", "E_MB_READ", "E_KG_INVALID_TRIPLE", "E_RL_EXCEEDED", "E_PARSE"} {
		assert.True(t, seen[sym], sym)
	}
	fs := Filesystem.Entries()
	assert.Equal(t, 1000, fs[0].Code)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk")
	e := MemoryBank.Error("READ_FAILED", WithCause(cause))
	assert.ErrorIs(t, e, cause)
}
