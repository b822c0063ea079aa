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

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"

	"treestore/internal/async"
	"treestore/internal/config"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/memory"
)

type brokenReader struct{ store.Reader }

func (brokenReader) Exists(context.Context, nodepath.Path) (bool, error) {
	return false, errors.New("disk on fire")
}

func staticCheck(status Status) Check {
	return func(context.Context) CheckResult { return CheckResult{Status: status} }
}

func TestRunChecksAggregates(t *testing.T) {
	tests := []struct {
		name   string
		checks []Status
		want   Status
	}{
		{"none", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker("test")
			for i, st := range tt.checks {
				c.RegisterCheck(string(rune('a'+i)), staticCheck(st))
			}
			resp := c.RunChecks(context.Background())
			if resp.Status != tt.want {
				t.Errorf("status = %s, want %s", resp.Status, tt.want)
			}
			if len(resp.Checks) != len(tt.checks) {
				t.Errorf("got %d results, want %d", len(resp.Checks), len(tt.checks))
			}
		})
	}
}

func TestResultsAreSortedByName(t *testing.T) {
	c := NewChecker("")
	c.RegisterCheck("zeta", staticCheck(StatusHealthy))
	c.RegisterCheck("alpha", staticCheck(StatusHealthy))
	resp := c.RunChecks(context.Background())
	if resp.Checks[0].Name != "alpha" || resp.Checks[1].Name != "zeta" {
		t.Errorf("unexpected order: %+v", resp.Checks)
	}
}

func TestStoreCheck(t *testing.T) {
	ctx := context.Background()
	if got := StoreCheck(memory.New(store.Options{}))(ctx); got.Status != StatusHealthy {
		t.Errorf("memory store status = %s", got.Status)
	}
	got := StoreCheck(brokenReader{})(ctx)
	if got.Status != StatusUnhealthy || got.Message != "disk on fire" {
		t.Errorf("broken store result = %+v", got)
	}
}

func TestQueueCheckIdle(t *testing.T) {
	d := async.New("q", memory.New(store.Options{}), async.Config{QueueSize: 10})
	if got := QueueCheck(d)(context.Background()); got.Status != StatusHealthy {
		t.Errorf("idle queue status = %s (%s)", got.Status, got.Message)
	}
}

func TestEndpoints(t *testing.T) {
	c := NewChecker("1.0")
	srv := NewServer(&config.HealthConfig{}, c)
	h := srv.Handler()

	get := func(path string) (int, HealthResponse) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var resp HealthResponse
		if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		return rec.Code, resp
	}

	c.RegisterCheck("queue", staticCheck(StatusDegraded))
	if code, resp := get("/health"); code != http.StatusServiceUnavailable || resp.Status != StatusDegraded {
		t.Errorf("/health = %d %s", code, resp.Status)
	}
	if code, _ := get("/health/ready"); code != http.StatusOK {
		t.Errorf("degraded stores should stay ready, got %d", code)
	}

	c.RegisterCheck("store", staticCheck(StatusUnhealthy))
	if code, _ := get("/health/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready = %d, want 503", code)
	}
	if code, resp := get("/health/live"); code != http.StatusOK || resp.Version != "1.0" {
		t.Errorf("/health/live = %d %+v", code, resp)
	}
}

func TestDisabledServerDoesNotListen(t *testing.T) {
	srv := NewServer(&config.HealthConfig{Enabled: false}, NewChecker(""))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
