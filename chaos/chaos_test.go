package chaos

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, in *Injector) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.Use(in.Middleware())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	return e
}

func TestZeroConfigPassesThrough(t *testing.T) {
	e := serve(t, New("kv", Config{}))
	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "pong", rec.Body.String())
	}
}

func TestErrorInjectionAlways(t *testing.T) {
	e := serve(t, New("queue", Config{ErrorProbability: 1, ErrorCode: "Synthetic", ErrorStatus: 503}))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Synthetic")
}

func TestLatencyInjection(t *testing.T) {
	in := New("object", Config{
		LatencyProbability: 1,
		LatencyMin:         30 * time.Millisecond,
		LatencyMax:         40 * time.Millisecond,
	})
	e := serve(t, in)
	start := time.Now()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDeterministicSequence(t *testing.T) {
	a := New("workflow", Config{ErrorProbability: 0.5})
	b := New("workflow", Config{ErrorProbability: 0.5})
	for i := 0; i < 50; i++ {
		assert.Equal(t, a.roll(), b.roll(), "same seed replays the same rolls")
	}
	c := New("identity", Config{ErrorProbability: 0.5})
	different := false
	for i := 0; i < 10; i++ {
		if a.roll() != c.roll() {
			different = true
		}
	}
	assert.True(t, different, "different services draw from different seeds")
}
