/*
Crispmx - outbound SMTP delivery engine.
Copyright © 2024-2026 Crispmx contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package future

import (
	"context"
	"sync"
)

// Future holds a (value, error) pair that will be populated later and lets
// multiple goroutines wait for it. The delivery pipeline uses it to overlap
// policy and record lookups with connection setup.
//
// It must not be copied after first use.
type Future[T any] struct {
	mu  sync.RWMutex
	set bool
	val T
	err error

	notify chan struct{}
}

func New[T any]() *Future[T] {
	return &Future[T]{notify: make(chan struct{})}
}

// Set publishes the (value, error) pair. All blocked and subsequent Get
// calls return it. Calling Set twice is a programming error and panics.
func (f *Future[T]) Set(val T, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.set {
		panic("future: Set called twice")
	}

	f.set = true
	f.val = val
	f.err = err

	close(f.notify)
}

func (f *Future[T]) Get() (T, error) {
	return f.GetContext(context.Background())
}

// GetContext waits for the value to be set or for ctx to be done,
// whichever happens first.
func (f *Future[T]) GetContext(ctx context.Context) (T, error) {
	f.mu.RLock()
	if f.set {
		val, err := f.val, f.err
		f.mu.RUnlock()
		return val, err
	}
	f.mu.RUnlock()

	select {
	case <-f.notify:
		f.mu.RLock()
		defer f.mu.RUnlock()
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
