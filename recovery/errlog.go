package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrorsLogged = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rehabflow",
	Subsystem: "recovery",
	Name:      "errors_logged",
}, []string{"kind"})

// ErrorKind lets error types declare their taxonomy bucket; anything else
// is reported as "unknown".
type errorKinder interface {
	ErrorKind() string
}

func kindOf(err error) string {
	var k errorKinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}

type ErrorRecord struct {
	At      time.Time
	Key     string
	Kind    string
	Message string
}

// errorLog is a bounded ring; the oldest entries are pruned first.
type errorLog struct {
	mu      sync.Mutex
	records []ErrorRecord
	limit   int
	total   int64
	byKind  map[string]int64
}

func newErrorLog(limit int) *errorLog {
	return &errorLog{limit: limit, byKind: make(map[string]int64)}
}

func (l *errorLog) add(rec ErrorRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if len(l.records) > l.limit {
		l.records = l.records[len(l.records)-l.limit:]
	}
	l.total++
	l.byKind[rec.Kind]++
}

func (s *Service) logError(key string, err error) {
	kind := kindOf(err)
	ErrorsLogged.WithLabelValues(kind).Inc()
	s.errlog.add(ErrorRecord{
		At:      s.now(),
		Key:     key,
		Kind:    kind,
		Message: SanitizeErrorMessage(err.Error()),
	})
}

// Stats is an aggregate view over the error log and circuit map.
type Stats struct {
	TotalErrors int64
	ByKind      map[string]int64
	Circuits    []CircuitSnapshot
}

func (s *Service) Stats() Stats {
	s.errlog.mu.Lock()
	byKind := make(map[string]int64, len(s.errlog.byKind))
	for k, v := range s.errlog.byKind {
		byKind[k] = v
	}
	total := s.errlog.total
	s.errlog.mu.Unlock()
	return Stats{
		TotalErrors: total,
		ByKind:      byKind,
		Circuits:    s.CircuitSnapshots(),
	}
}

// Errors returns a copy of the retained error records, oldest first.
func (s *Service) Errors() []ErrorRecord {
	s.errlog.mu.Lock()
	defer s.errlog.mu.Unlock()
	return append([]ErrorRecord(nil), s.errlog.records...)
}
