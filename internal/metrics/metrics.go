/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package metrics provides Prometheus-compatible metrics for TreeStore.

METRIC CATEGORIES:
==================
- Store operations: reads, read hits, writes, failures, per store
- Operation latency: average backend latency, per store
- Transactions: prepared, committed, rolled back
- Write-behind: queue depth, applied, failed, rejected, enqueue retries
- Push state: started, succeeded, failed, timed out
- Coordination: number of stores currently acting as coordinator

PROMETHEUS ENDPOINT:
====================
Metrics are exposed at /metrics in Prometheus text format.

EXAMPLE METRICS:
================

	treestore_store_reads_total{store="primary"} 12345
	treestore_store_writes_total{store="primary"} 1234
	treestore_async_queue_depth 17
	treestore_push_state_total{result="succeeded"} 2
	treestore_coordinators 1
*/
package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"treestore/internal/config"
	"treestore/internal/logging"
)

// Metrics holds all TreeStore metrics.
type Metrics struct {
	// Transaction metrics
	TxPrepared   atomic.Uint64
	TxCommitted  atomic.Uint64
	TxRolledBack atomic.Uint64

	// Write-behind metrics
	AsyncQueueDepth     atomic.Int64
	AsyncApplied        atomic.Uint64 // modifications applied by workers
	AsyncFailed         atomic.Uint64 // modifications lost to a failed replay
	AsyncRejected       atomic.Uint64 // writes refused after stop or on a full queue
	AsyncEnqueueRetries atomic.Uint64

	// Push state metrics
	PushStarted   atomic.Uint64
	PushSucceeded atomic.Uint64
	PushFailed    atomic.Uint64
	PushTimeouts  atomic.Uint64

	// Coordination
	Coordinators atomic.Int64

	stores sync.Map // store name -> *StoreMetrics
}

// StoreMetrics holds metrics for one named store.
type StoreMetrics struct {
	Reads      atomic.Uint64
	ReadHits   atomic.Uint64
	Writes     atomic.Uint64
	Failures   atomic.Uint64
	LatencySum atomic.Uint64 // microseconds
	LatencyN   atomic.Uint64
}

// AverageLatency returns the average operation latency in microseconds.
func (sm *StoreMetrics) AverageLatency() float64 {
	n := sm.LatencyN.Load()
	if n == 0 {
		return 0
	}
	return float64(sm.LatencySum.Load()) / float64(n)
}

var globalMetrics = &Metrics{}

// Get returns the global metrics instance.
func Get() *Metrics {
	return globalMetrics
}

// Store returns the metrics of the named store.
func (m *Metrics) Store(name string) *StoreMetrics {
	if sm, ok := m.stores.Load(name); ok {
		return sm.(*StoreMetrics)
	}
	actual, _ := m.stores.LoadOrStore(name, &StoreMetrics{})
	return actual.(*StoreMetrics)
}

// RecordRead records a read against a store.
func (m *Metrics) RecordRead(store string, hit bool, latency time.Duration, err error) {
	sm := m.Store(store)
	sm.Reads.Add(1)
	if hit {
		sm.ReadHits.Add(1)
	}
	if err != nil {
		sm.Failures.Add(1)
	}
	sm.LatencySum.Add(uint64(latency.Microseconds()))
	sm.LatencyN.Add(1)
}

// RecordWrite records a write against a store.
func (m *Metrics) RecordWrite(store string, latency time.Duration, err error) {
	sm := m.Store(store)
	sm.Writes.Add(1)
	if err != nil {
		sm.Failures.Add(1)
	}
	sm.LatencySum.Add(uint64(latency.Microseconds()))
	sm.LatencyN.Add(1)
}

// Reset zeroes every metric. Used by tests and tools.
func (m *Metrics) Reset() {
	m.TxPrepared.Store(0)
	m.TxCommitted.Store(0)
	m.TxRolledBack.Store(0)
	m.AsyncQueueDepth.Store(0)
	m.AsyncApplied.Store(0)
	m.AsyncFailed.Store(0)
	m.AsyncRejected.Store(0)
	m.AsyncEnqueueRetries.Store(0)
	m.PushStarted.Store(0)
	m.PushSucceeded.Store(0)
	m.PushFailed.Store(0)
	m.PushTimeouts.Store(0)
	m.Coordinators.Store(0)
	m.stores.Range(func(k, _ any) bool {
		m.stores.Delete(k)
		return true
	})
}

// Server provides an HTTP server for Prometheus metrics.
type Server struct {
	config *config.MetricsConfig
	server *http.Server
	logger *logging.Logger
}

// NewServer creates a new metrics server.
func NewServer(cfg *config.MetricsConfig) *Server {
	return &Server{
		config: cfg,
		logger: logging.NewLogger("metrics"),
	}
}

// Start starts the metrics HTTP server.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting metrics server", "addr", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the metrics HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("Stopping metrics server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	Get().WriteTo(w)
}

func metric(w io.Writer, name, kind, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
}

// WriteTo writes every metric in Prometheus text format.
func (m *Metrics) WriteTo(w io.Writer) {
	var names []string
	m.stores.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)

	perStore := []struct {
		name, help string
		get        func(*StoreMetrics) uint64
	}{
		{"treestore_store_reads_total", "Reads issued to a store", func(sm *StoreMetrics) uint64 { return sm.Reads.Load() }},
		{"treestore_store_read_hits_total", "Reads that found the node", func(sm *StoreMetrics) uint64 { return sm.ReadHits.Load() }},
		{"treestore_store_writes_total", "Writes issued to a store", func(sm *StoreMetrics) uint64 { return sm.Writes.Load() }},
		{"treestore_store_failures_total", "Operations that returned an error", func(sm *StoreMetrics) uint64 { return sm.Failures.Load() }},
	}
	for _, pm := range perStore {
		metric(w, pm.name, "counter", pm.help)
		for _, n := range names {
			fmt.Fprintf(w, "%s{store=%q} %d\n", pm.name, n, pm.get(m.Store(n)))
		}
	}
	metric(w, "treestore_store_latency_avg_microseconds", "gauge", "Average store operation latency")
	for _, n := range names {
		fmt.Fprintf(w, "treestore_store_latency_avg_microseconds{store=%q} %.2f\n", n, m.Store(n).AverageLatency())
	}

	metric(w, "treestore_transactions_total", "counter", "Two-phase transactions by outcome")
	fmt.Fprintf(w, "treestore_transactions_total{result=\"prepared\"} %d\n", m.TxPrepared.Load())
	fmt.Fprintf(w, "treestore_transactions_total{result=\"committed\"} %d\n", m.TxCommitted.Load())
	fmt.Fprintf(w, "treestore_transactions_total{result=\"rolled_back\"} %d\n", m.TxRolledBack.Load())

	metric(w, "treestore_async_queue_depth", "gauge", "Units waiting in write-behind queues")
	fmt.Fprintf(w, "treestore_async_queue_depth %d\n", m.AsyncQueueDepth.Load())

	metric(w, "treestore_async_modifications_total", "counter", "Write-behind modifications by outcome")
	fmt.Fprintf(w, "treestore_async_modifications_total{result=\"applied\"} %d\n", m.AsyncApplied.Load())
	fmt.Fprintf(w, "treestore_async_modifications_total{result=\"failed\"} %d\n", m.AsyncFailed.Load())
	fmt.Fprintf(w, "treestore_async_modifications_total{result=\"rejected\"} %d\n", m.AsyncRejected.Load())

	metric(w, "treestore_async_enqueue_retries_total", "counter", "Enqueue attempts that found the queue full")
	fmt.Fprintf(w, "treestore_async_enqueue_retries_total %d\n", m.AsyncEnqueueRetries.Load())

	metric(w, "treestore_push_state_total", "counter", "Push-state tasks by outcome")
	fmt.Fprintf(w, "treestore_push_state_total{result=\"started\"} %d\n", m.PushStarted.Load())
	fmt.Fprintf(w, "treestore_push_state_total{result=\"succeeded\"} %d\n", m.PushSucceeded.Load())
	fmt.Fprintf(w, "treestore_push_state_total{result=\"failed\"} %d\n", m.PushFailed.Load())
	fmt.Fprintf(w, "treestore_push_state_total{result=\"timed_out\"} %d\n", m.PushTimeouts.Load())

	metric(w, "treestore_coordinators", "gauge", "Stores currently acting as coordinator")
	fmt.Fprintf(w, "treestore_coordinators %d\n", m.Coordinators.Load())
}
