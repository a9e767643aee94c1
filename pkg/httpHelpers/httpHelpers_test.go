package httpHelpers

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]any{"id": 7})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":7}`, rec.Body.String())
}

func TestWriteJSONUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOutput(rec, math.Inf(1))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "Worker not found")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"msg":"Worker not found"}`, rec.Body.String())
}

func TestWriteTimings(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTimings(rec, Timings{"stop-time": 1500 * time.Microsecond, "a": time.Millisecond})
	assert.Equal(t, "a;dur=1.00,stop-time;dur=1.50", rec.Header().Get("Server-Timing"))
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, BearerToken(r))
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", BearerToken(r))
	r.Header.Set("Authorization", "bearer  xyz ")
	assert.Equal(t, "xyz", BearerToken(r))
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))
}
