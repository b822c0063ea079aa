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
Two-Phase Transactions
======================

Stores take part in the surrounding cache's transactions through an
explicit token:

	Prepare(tok, mods, false)  ->  mods recorded, nothing applied
	Commit(tok)                ->  mods applied in order, tok forgotten
	Rollback(tok)              ->  mods discarded, tok forgotten

	Prepare(tok, mods, true)   ->  mods applied immediately, no commit follows

A token may be prepared once. Preparing it again, or committing or rolling
back a token that is unknown or already resolved, is a protocol error.
*/
package store

import (
	"context"
	"sync"

	serrors "treestore/internal/errors"
)

// TxTable maps tokens to prepared but unresolved modification lists.
// The zero value is ready to use and safe for concurrent use.
type TxTable struct {
	mu      sync.Mutex
	pending map[Token][]Modification
}

// Put records mods under tok. It fails if tok is already pending.
func (t *TxTable) Put(tok Token, mods []Modification) error {
	if tok == "" {
		return serrors.NewProtocolError("empty transaction token")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		t.pending = make(map[Token][]Modification)
	}
	if _, ok := t.pending[tok]; ok {
		return serrors.DuplicateToken(tok.String())
	}
	cp := make([]Modification, len(mods))
	copy(cp, mods)
	t.pending[tok] = cp
	return nil
}

// Take removes and returns the list recorded under tok.
func (t *TxTable) Take(tok Token) ([]Modification, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mods, ok := t.pending[tok]
	if !ok {
		return nil, serrors.UnknownToken(tok.String())
	}
	delete(t.pending, tok)
	return mods, nil
}

// Len returns the number of pending transactions.
func (t *TxTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Clear forgets every pending transaction.
func (t *TxTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
}

// TwoPhase implements Prepare, Commit and Rollback on top of Apply.
// When Transactional is false only one-phase prepares are accepted.
type TwoPhase struct {
	Name          string
	Transactional bool
	Apply         ApplyFunc

	table TxTable
}

// Prepare validates mods and either applies them (onePhase) or records
// them under tok.
func (tp *TwoPhase) Prepare(ctx context.Context, tok Token, mods []Modification, onePhase bool) error {
	if err := ValidateAll(mods); err != nil {
		return err
	}
	if onePhase {
		return tp.Apply(ctx, mods)
	}
	if !tp.Transactional {
		return serrors.Unsupported("two-phase prepare", tp.Name).
			WithHint("Enable transactional mode for this store")
	}
	return tp.table.Put(tok, mods)
}

// Commit applies the list recorded under tok. The token is resolved even
// when applying fails.
func (tp *TwoPhase) Commit(ctx context.Context, tok Token) error {
	mods, err := tp.table.Take(tok)
	if err != nil {
		return err
	}
	return tp.Apply(ctx, mods)
}

// Rollback discards the list recorded under tok.
func (tp *TwoPhase) Rollback(_ context.Context, tok Token) error {
	_, err := tp.table.Take(tok)
	return err
}

// Pending returns the number of unresolved transactions.
func (tp *TwoPhase) Pending() int {
	return tp.table.Len()
}

// Reset forgets every unresolved transaction.
func (tp *TwoPhase) Reset() {
	tp.table.Clear()
}
