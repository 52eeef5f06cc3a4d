// Package sink provides delivery targets for output steps.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auterity/workflow-engine/executor"
)

// ErrUnavailable is returned by a MemorySink told to fail.
var ErrUnavailable = errors.New("sink unavailable")

// Delivery is one payload accepted by a MemorySink.
type Delivery struct {
	AckID       string
	Destination string
	Payload     map[string]interface{}
	At          time.Time
}

// MemorySink keeps delivered payloads in memory, grouped by destination.
type MemorySink struct {
	mu         sync.RWMutex
	deliveries map[string][]Delivery
	failures   int
	failErr    error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{deliveries: make(map[string][]Delivery)}
}

// FailNext makes the next n deliveries fail with err, or ErrUnavailable when err is nil.
func (s *MemorySink) FailNext(n int, err error) {
	if err == nil {
		err = ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

// Deliver implements executor.Deliverer.
func (s *MemorySink) Deliver(ctx context.Context, payload map[string]interface{}, destination string) (executor.Ack, error) {
	if err := ctx.Err(); err != nil {
		return executor.Ack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return executor.Ack{}, s.failErr
	}

	cp := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	ack := executor.Ack{ID: uuid.NewString(), Destination: destination}
	s.deliveries[destination] = append(s.deliveries[destination], Delivery{
		AckID:       ack.ID,
		Destination: destination,
		Payload:     cp,
		At:          time.Now(),
	})
	return ack, nil
}

// Deliveries returns the payloads delivered to destination, oldest first.
func (s *MemorySink) Deliveries(destination string) []Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Delivery(nil), s.deliveries[destination]...)
}

// Count returns the number of deliveries across all destinations.
func (s *MemorySink) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.deliveries {
		n += len(d)
	}
	return n
}
