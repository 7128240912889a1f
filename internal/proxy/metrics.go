package proxy

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics counts decisions across all connections.
type Metrics struct {
	allowed atomic.Int64
	denied  atomic.Int64
	errors  atomic.Int64
}

func (m *Metrics) Allowed() { m.allowed.Add(1) }
func (m *Metrics) Denied()  { m.denied.Add(1) }
func (m *Metrics) Errored() { m.errors.Add(1) }

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"allowed": m.allowed.Load(),
		"denied":  m.denied.Load(),
		"errors":  m.errors.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
