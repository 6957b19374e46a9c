package recovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var CircuitStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "rehabflow",
	Subsystem: "recovery",
	Name:      "circuit_state",
	Help:      "Circuit state per operation key: 0 closed, 1 open, 2 half-open",
}, []string{"key"})

var CircuitOpenCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rehabflow",
	Subsystem: "recovery",
	Name:      "circuit_opened",
}, []string{"key"})

type CircuitState byte

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	return []string{"closed", "open", "half-open"}[s]
}

// CircuitOpenError rejects a call without invoking the wrapped operation.
type CircuitOpenError struct {
	Key         string
	NextRetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("recovery: circuit open for %q until %s", e.Key, e.NextRetryAt.Format(time.RFC3339))
}

// circuit is the per-key breaker record. Created lazily on first failure
// check; all mutation goes through Service methods.
type circuit struct {
	mu                sync.Mutex
	state             CircuitState
	consecutiveErrors int
	lastErrorAt       time.Time
	nextRetryAt       time.Time
}

// CircuitSnapshot is a point-in-time copy for observability.
type CircuitSnapshot struct {
	Key               string
	State             CircuitState
	ConsecutiveErrors int
	LastErrorAt       time.Time
	NextRetryAt       time.Time
}

func (s *Service) circuitFor(key string) *circuit {
	c, _ := s.circuits.LoadOrCompute(key, func() *circuit {
		return &circuit{}
	})
	return c
}

// checkCircuit gates an attempt. An open circuit whose nextRetryAt has
// passed flips to half-open and lets exactly this attempt through.
func (s *Service) checkCircuit(key string) error {
	c := s.circuitFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitOpen {
		return nil
	}
	if s.now().Before(c.nextRetryAt) {
		return &CircuitOpenError{Key: key, NextRetryAt: c.nextRetryAt}
	}
	c.state = CircuitHalfOpen
	CircuitStateGauge.WithLabelValues(key).Set(float64(c.state))
	s.log.Debug("circuit half-open, trial call", "key", key)
	return nil
}

func (s *Service) recordSuccess(key string) {
	c := s.circuitFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.consecutiveErrors = 0
	CircuitStateGauge.WithLabelValues(key).Set(float64(c.state))
}

func (s *Service) recordFailure(key string, err error) {
	c := s.circuitFor(key)
	c.mu.Lock()
	c.consecutiveErrors++
	c.lastErrorAt = s.now()
	open := false
	if c.state == CircuitHalfOpen {
		// failed trial call, back to open with a fresh deadline
		open = true
	} else if c.state == CircuitClosed && c.consecutiveErrors >= s.cfg.CircuitBreakerThreshold {
		open = true
	}
	if open {
		c.state = CircuitOpen
		c.nextRetryAt = s.now().Add(s.cfg.CircuitResetTimeout)
		CircuitOpenCount.WithLabelValues(key).Inc()
	}
	CircuitStateGauge.WithLabelValues(key).Set(float64(c.state))
	nextRetry := c.nextRetryAt
	c.mu.Unlock()

	s.logError(key, err)
	if open {
		s.log.Warn("circuit opened", "key", key, "nextRetryAt", nextRetry)
	}
}

// Allow gates an external single-shot attempt on the key's circuit, with
// the same open/half-open semantics as WithRetry. The sync coordinator uses
// it for its one-attempt-per-drain pushes.
func (s *Service) Allow(key string) error {
	return s.checkCircuit(key)
}

// ReportSuccess feeds the outcome of an externally executed attempt into
// the key's circuit.
func (s *Service) ReportSuccess(key string) {
	s.recordSuccess(key)
}

// ReportFailure feeds a failed external attempt into the key's circuit and
// the error log.
func (s *Service) ReportFailure(key string, err error) {
	s.recordFailure(key, err)
}

// CircuitStateOf reports the current state without mutating it.
func (s *Service) CircuitStateOf(key string) CircuitState {
	c, ok := s.circuits.Load(key)
	if !ok {
		return CircuitClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (s *Service) CircuitSnapshots() []CircuitSnapshot {
	var snaps []CircuitSnapshot
	s.circuits.Range(func(key string, c *circuit) bool {
		c.mu.Lock()
		snaps = append(snaps, CircuitSnapshot{
			Key:               key,
			State:             c.state,
			ConsecutiveErrors: c.consecutiveErrors,
			LastErrorAt:       c.lastErrorAt,
			NextRetryAt:       c.nextRetryAt,
		})
		c.mu.Unlock()
		return true
	})
	return snaps
}

// ResetCircuit force-closes a key's circuit (logout, settings change).
func (s *Service) ResetCircuit(key string) {
	if c, ok := s.circuits.Load(key); ok {
		c.mu.Lock()
		c.state = CircuitClosed
		c.consecutiveErrors = 0
		c.mu.Unlock()
		CircuitStateGauge.WithLabelValues(key).Set(float64(CircuitClosed))
	}
}
