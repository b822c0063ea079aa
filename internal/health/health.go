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
Package health provides health check endpoints for TreeStore.

ENDPOINTS:
==========

	GET /health       - Overall health check
	GET /health/live  - Liveness check (is the process running?)
	GET /health/ready - Readiness check (can the stores serve requests?)

STATUS VALUES:
==============
  - healthy: All checks pass
  - degraded: A write-behind queue is backing up or a state push failed
  - unhealthy: A store cannot be read

KUBERNETES INTEGRATION:
=======================
Configure probes in your deployment:

	livenessProbe:
	  httpGet:
	    path: /health/live
	    port: 9095
	readinessProbe:
	  httpGet:
	    path: /health/ready
	    port: 9095
*/
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"treestore/internal/async"
	"treestore/internal/config"
	"treestore/internal/logging"
	"treestore/internal/nodepath"
	"treestore/internal/singleton"
	"treestore/internal/store"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckTimeout bounds a single check.
const CheckTimeout = 2 * time.Second

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    Status        `json:"status"`
	Timestamp string        `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Checker manages health checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	version string
	logger  *logging.Logger
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		version: version,
		logger:  logging.NewLogger("health"),
	}
}

// RegisterCheck registers a health check.
func (c *Checker) RegisterCheck(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RunChecks runs all registered health checks in name order.
func (c *Checker) RunChecks(ctx context.Context) HealthResponse {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
		Checks:    make([]CheckResult, 0, len(names)),
	}

	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		start := time.Now()
		result := checks[name](cctx)
		cancel()
		result.Name = name
		result.Latency = time.Since(start).Milliseconds()
		response.Checks = append(response.Checks, result)

		if result.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			c.logger.Warn("Health check failed", "check", name, "message", result.Message)
		} else if result.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy(ctx context.Context) bool {
	return c.RunChecks(ctx).Status == StatusHealthy
}

// Server provides HTTP health check endpoints.
type Server struct {
	config  *config.HealthConfig
	checker *Checker
	server  *http.Server
	logger  *logging.Logger
}

// NewServer creates a new health check server.
func NewServer(cfg *config.HealthConfig, checker *Checker) *Server {
	return &Server{
		config:  cfg,
		checker: checker,
		logger:  logging.NewLogger("health"),
	}
}

// Handler returns the endpoints without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	return mux
}

// Start starts the health check HTTP server.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("Health check server disabled")
		return nil
	}

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting health check server", "addr", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health check server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the health check HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("Stopping health check server")
	return s.server.Shutdown(ctx)
}

func writeResponse(w http.ResponseWriter, code int, response HealthResponse) {
	body, err := sonic.ConfigStd.Marshal(response)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := s.checker.RunChecks(r.Context())
	code := http.StatusOK
	if response.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeResponse(w, code, response)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, http.StatusOK, HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.checker.version,
	})
}

// Degraded stores still serve requests, so only unhealthy fails readiness.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	response := s.checker.RunChecks(r.Context())
	code := http.StatusOK
	if response.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeResponse(w, code, response)
}

// Common health checks

// StoreCheck probes a store by asking whether the root exists.
func StoreCheck(s store.Reader) Check {
	return func(ctx context.Context) CheckResult {
		if _, err := s.Exists(ctx, nodepath.Root); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// QueueCheck reports a write-behind queue as degraded once it is at least
// 90% full.
func QueueCheck(d *async.Decorator) Check {
	return func(context.Context) CheckResult {
		st := d.Stats()
		capacity := int64(d.Config().QueueSize)
		msg := fmt.Sprintf("depth %d of %d, %d failed", st.Depth, capacity, st.Failed)
		if capacity > 0 && st.Depth*10 >= capacity*9 {
			return CheckResult{Status: StatusDegraded, Message: msg}
		}
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}

// CoordinatorCheck reports a coordinator whose last state push failed as
// degraded.
func CoordinatorCheck(c *singleton.Coordinator) Check {
	return func(context.Context) CheckResult {
		if !c.IsActive() {
			return CheckResult{Status: StatusHealthy, Message: "standby"}
		}
		if t := c.PushStateTask(); t != nil {
			if err := t.Err(); err != nil {
				return CheckResult{Status: StatusDegraded, Message: "push state failed: " + err.Error()}
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "coordinator"}
	}
}
