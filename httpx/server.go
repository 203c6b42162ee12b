// Package httpx provides the shared echo server construction and
// lifecycle helpers used by every service listener.
package httpx

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"lws.localdev.org/common"
)

// ServerConfig contains configuration for one service listener.
type ServerConfig struct {
	Port            int
	BodyLimit       string // e.g. "100M"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       float64 // requests per second, 0 = no limit
}

// DefaultServerConfig returns a server config with sensible defaults.
func DefaultServerConfig(port int) ServerConfig {
	return ServerConfig{
		Port:            port,
		BodyLimit:       "100M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// NewEchoServer creates an echo server with the standard middleware.
func NewEchoServer(config ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}
	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(config.RateLimit),
		)))
	}
	return e
}

// Start begins serving in a background goroutine and returns once the
// listener accepts connections. Bind confirmation polls the address
// with backoff, bounded by five seconds.
func Start(e *echo.Echo, config ServerConfig) error {
	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		if err := e.StartServer(s); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	addr := fmt.Sprintf("127.0.0.1:%d", config.Port)
	deadline := time.Now().Add(5 * time.Second)
	delay := 5 * time.Millisecond
	for {
		select {
		case err := <-errc:
			return fmt.Errorf("server on port %d: %w", config.Port, err)
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server on port %d did not bind within 5s", config.Port)
		}
		time.Sleep(delay)
		if delay < 200*time.Millisecond {
			delay *= 2
		}
	}
}

// GracefulShutdown drains the server within the configured timeout.
func GracefulShutdown(e *echo.Echo, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// AccessLog records every request into the shared ring buffer with its
// resolved operation name, for the management log tail.
func AccessLog(service string, buf *common.LogBuffer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			op, _ := c.Get("operation").(string)
			buf.Append(common.AccessRecord{
				Time:      start,
				Service:   service,
				Method:    c.Request().Method,
				Path:      c.Request().URL.Path,
				Operation: op,
				Status:    c.Response().Status,
				BodySize:  c.Response().Size,
				LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
			})
			return nil
		}
	}
}
