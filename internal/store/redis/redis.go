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
Package redis stores the tree in Redis.

Each node is a string key holding its CBOR-encoded attributes. A sorted
set with every member at score zero indexes the node keys so that subtree
scans become ZRANGEBYLEX range queries:

	<prefix>node:/a/b   -> CBOR attributes
	<prefix>index       -> ZSET {"/a", "/a/b", ...}

Writes of one operation are buffered and committed with MULTI/EXEC. The
engine serializes its own writers; one process is expected to write a
prefix at a time, which the singleton coordinator provides in a cluster.
*/
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	serrors "treestore/internal/errors"
	"treestore/internal/store"
	"treestore/internal/store/kv"
)

// TypeName is the registry name of this backend.
const TypeName = "redis"

const scanPage = 256

// Engine is a kv.Engine over a Redis keyspace prefix.
type Engine struct {
	options *redis.Options
	prefix  string

	writeMu sync.Mutex

	mu     sync.RWMutex
	client *redis.Client
}

// NewEngine returns an engine using options, storing keys below prefix.
func NewEngine(options *redis.Options, prefix string) *Engine {
	return &Engine{options: options, prefix: prefix}
}

// Factory builds redis stores from registry options. It accepts either a
// "url" property or "addr", "password" and "db".
func Factory(opts store.Options) (store.Store, error) {
	name := opts.Name
	if name == "" {
		name = TypeName
	}

	var options *redis.Options
	if url := opts.String("url", ""); url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, serrors.InvalidValue("url", err.Error())
		}
		options = parsed
	} else {
		db, err := opts.Int("db", 0)
		if err != nil {
			return nil, err
		}
		options = &redis.Options{
			Addr:     opts.String("addr", "localhost:6379"),
			Password: opts.String("password", ""),
			DB:       db,
		}
	}

	prefix := opts.String("prefix", fmt.Sprintf("treestore:%s:", name))
	return kv.New(name, NewEngine(options, prefix), opts), nil
}

func (e *Engine) indexKey() string          { return e.prefix + "index" }
func (e *Engine) nodeKey(key string) string { return e.prefix + "node:" + key }

func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	client := redis.NewClient(e.options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return err
	}
	e.client = client
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// Drop deletes every key below the prefix and closes the client.
func (e *Engine) Drop(ctx context.Context) error {
	if err := e.Open(ctx); err != nil {
		return err
	}
	client, err := e.handle()
	if err != nil {
		return err
	}

	members, err := client.ZRange(ctx, e.indexKey(), 0, -1).Result()
	if err != nil {
		return err
	}
	for start := 0; start < len(members); start += scanPage {
		end := min(start+scanPage, len(members))
		keys := make([]string, 0, end-start)
		for _, m := range members[start:end] {
			keys = append(keys, e.nodeKey(m))
		}
		if err := client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	if err := client.Del(ctx, e.indexKey()).Err(); err != nil {
		return err
	}
	return e.Close()
}

func (e *Engine) handle() (*redis.Client, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.client == nil {
		return nil, serrors.BackendUnavailable(TypeName)
	}
	return e.client, nil
}

func (e *Engine) View(ctx context.Context, fn func(kv.Txn) error) error {
	client, err := e.handle()
	if err != nil {
		return err
	}
	return fn(&reader{ctx: ctx, engine: e, client: client})
}

// Update buffers the writes of fn and commits them atomically.
func (e *Engine) Update(ctx context.Context, fn func(kv.Txn) error) error {
	client, err := e.handle()
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	buf := kv.NewBuffered(&reader{ctx: ctx, engine: e, client: client})
	if err := fn(buf); err != nil {
		return err
	}
	if buf.Empty() {
		return nil
	}

	puts, deletes := buf.Writes()
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range deletes {
			pipe.Del(ctx, e.nodeKey(key))
			pipe.ZRem(ctx, e.indexKey(), key)
		}
		for key, value := range puts {
			pipe.Set(ctx, e.nodeKey(key), value, 0)
			pipe.ZAdd(ctx, e.indexKey(), redis.Z{Score: 0, Member: key})
		}
		return nil
	})
	return err
}

// reader reads straight from Redis.
type reader struct {
	ctx    context.Context
	engine *Engine
	client *redis.Client
}

func (r *reader) Get(key string) ([]byte, bool, error) {
	v, err := r.client.Get(r.ctx, r.engine.nodeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *reader) Put(string, []byte) error {
	return serrors.Unsupported("put", "redis read transaction")
}

func (r *reader) Delete(string) error {
	return serrors.Unsupported("delete", "redis read transaction")
}

func (r *reader) Scan(lo, hi string, fn kv.ScanFunc) error {
	from := "[" + lo
	for {
		members, err := r.client.ZRangeByLex(r.ctx, r.engine.indexKey(), &redis.ZRangeBy{
			Min:   from,
			Max:   "(" + hi,
			Count: scanPage,
		}).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}

		keys := make([]string, len(members))
		for i, m := range members {
			keys[i] = r.engine.nodeKey(m)
		}
		values, err := r.client.MGet(r.ctx, keys...).Result()
		if err != nil {
			return err
		}

		skipped := false
		for i, m := range members {
			s, ok := values[i].(string)
			if !ok {
				continue
			}
			skipTo, err := fn(m, []byte(s))
			if err != nil {
				return err
			}
			if skipTo != "" {
				from = "[" + skipTo
				skipped = true
				break
			}
		}
		if skipped {
			continue
		}
		if len(members) < scanPage {
			return nil
		}
		from = "(" + members[len(members)-1]
	}
}
