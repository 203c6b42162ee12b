// Package chaos injects configurable failures into service request
// pipelines: extra latency, synthetic errors, dropped connections and
// simulated timeouts.
package chaos

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
)

// Config holds the per-service injection probabilities, each in [0,1].
type Config struct {
	LatencyProbability float64       `json:"latencyProbability" mapstructure:"latency_probability"`
	LatencyMin         time.Duration `json:"latencyMin" mapstructure:"latency_min"`
	LatencyMax         time.Duration `json:"latencyMax" mapstructure:"latency_max"`
	ErrorProbability   float64       `json:"errorProbability" mapstructure:"error_probability"`
	ErrorCode          string        `json:"errorCode" mapstructure:"error_code"`
	ErrorStatus        int           `json:"errorStatus" mapstructure:"error_status"`
	DropProbability    float64       `json:"dropProbability" mapstructure:"drop_probability"`
	TimeoutProbability float64       `json:"timeoutProbability" mapstructure:"timeout_probability"`
	TimeoutDelay       time.Duration `json:"timeoutDelay" mapstructure:"timeout_delay"`
}

func (c Config) enabled() bool {
	return c.LatencyProbability > 0 || c.ErrorProbability > 0 ||
		c.DropProbability > 0 || c.TimeoutProbability > 0
}

// Injector rolls chaos decisions for one service. The PRNG is seeded
// from the service name so a given configuration replays the same
// decision sequence across runs.
type Injector struct {
	service string
	cfg     Config
	mu      sync.Mutex
	rng     *rand.Rand
	log     *logrus.Entry
}

// New builds an injector for a service.
func New(service string, cfg Config) *Injector {
	h := fnv.New64a()
	h.Write([]byte(service))
	return &Injector{
		service: service,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(int64(h.Sum64()))),
		log:     common.ServiceLogger("chaos").WithField("target", service),
	}
}

func (in *Injector) roll() float64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.rng.Float64()
}

func (in *Injector) between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return min + time.Duration(in.rng.Int63n(int64(max-min)))
}

// Middleware returns the echo middleware applying the configured
// injections. A zero config passes every request through untouched.
func (in *Injector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if !in.cfg.enabled() {
			return next
		}
		return func(c echo.Context) error {
			if in.cfg.DropProbability > 0 && in.roll() < in.cfg.DropProbability {
				in.log.Warn("dropping connection")
				conn, _, err := c.Response().Hijack()
				if err != nil {
					return err
				}
				return conn.Close()
			}
			if in.cfg.TimeoutProbability > 0 && in.roll() < in.cfg.TimeoutProbability {
				delay := in.cfg.TimeoutDelay
				if delay <= 0 {
					delay = 30 * time.Second
				}
				in.log.Warn("simulating timeout")
				select {
				case <-c.Request().Context().Done():
				case <-time.After(delay):
				}
				return c.NoContent(504)
			}
			if in.cfg.LatencyProbability > 0 && in.roll() < in.cfg.LatencyProbability {
				delay := in.between(in.cfg.LatencyMin, in.cfg.LatencyMax)
				in.log.WithField("delay", delay.String()).Debug("injecting latency")
				select {
				case <-c.Request().Context().Done():
				case <-time.After(delay):
				}
			}
			if in.cfg.ErrorProbability > 0 && in.roll() < in.cfg.ErrorProbability {
				code := in.cfg.ErrorCode
				if code == "" {
					code = "ServiceUnavailable"
				}
				status := in.cfg.ErrorStatus
				if status == 0 {
					status = 503
				}
				in.log.WithField("code", code).Warn("injecting error")
				return echo.NewHTTPError(status, code)
			}
			return next(c)
		}
	}
}
