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

package redis

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"

	serrors "treestore/internal/errors"
	"treestore/internal/nodepath"
	"treestore/internal/store"
	"treestore/internal/store/storetest"
)

// redisAddr returns the server used by the integration tests; they are
// skipped unless TREESTORE_TEST_REDIS_ADDR is set.
func redisAddr(t *testing.T) string {
	addr := os.Getenv("TREESTORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TREESTORE_TEST_REDIS_ADDR not set")
	}
	return addr
}

func openStore(t *testing.T, addr, prefix string) store.Store {
	t.Helper()
	s, err := Factory(store.Options{
		Name:          "redis-test",
		Transactional: true,
		Properties:    map[string]string{"addr": addr, "prefix": prefix},
	})
	if err != nil {
		t.Fatalf("Factory failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	addr := redisAddr(t)
	storetest.Run(t, storetest.Harness{
		New: func(t *testing.T) store.Store {
			s := openStore(t, addr, fmt.Sprintf("treestore-test:%s:", uuid.NewString()))
			t.Cleanup(func() { _ = s.Destroy(context.Background()) })
			return s
		},
		Transactional: true,
		Restartable:   true,
	})
}

func TestDestroyRemovesPrefix(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("treestore-test:%s:", uuid.NewString())

	s := openStore(t, addr, prefix)
	if _, err := s.PutKeyValue(ctx, nodepath.New("a", "b"), "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	fresh := openStore(t, addr, prefix)
	defer fresh.Destroy(ctx)
	storetest.AssertExists(t, fresh, nodepath.New("a"), false)
}

func TestFactoryRejectsBadURL(t *testing.T) {
	_, err := Factory(store.Options{Properties: map[string]string{"url": "ftp://nowhere"}})
	if !serrors.IsConfigError(err) {
		t.Errorf("Expected config error, got %v", err)
	}
}

func TestUnreachableServer(t *testing.T) {
	s, err := Factory(store.Options{Properties: map[string]string{"addr": "127.0.0.1:1"}})
	if err != nil {
		t.Fatalf("Factory failed: %v", err)
	}
	if err := s.Start(context.Background()); !serrors.IsIOError(err) {
		t.Errorf("Expected I/O error, got %v", err)
	}
}
