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

package limiters

import (
	"sync"
	"time"
)

// Window implements a fixed-window counter.
//
// Unlike Rate it never blocks. A denied Allow call reports the time at which
// the current window rolls over, so the caller can defer the work instead of
// waiting for it.
//
// If limit = 0, Allow always succeeds.
type Window struct {
	limit  int
	period time.Duration

	lck       sync.Mutex
	windowEnd time.Time
	used      int
}

func NewWindow(limit int, period time.Duration) *Window {
	return &Window{
		limit:  limit,
		period: period,
	}
}

// Allow consumes one slot of the current window. ok = false means the limit
// is reached, in that case retryAt reports when the window rolls over and
// the slot is not consumed.
func (w *Window) Allow() (ok bool, retryAt time.Time) {
	return w.AllowN(1)
}

// AllowN consumes n slots at once. Either all slots are consumed or none.
func (w *Window) AllowN(n int) (ok bool, retryAt time.Time) {
	if w.limit <= 0 {
		return true, time.Time{}
	}

	w.lck.Lock()
	defer w.lck.Unlock()

	now := time.Now()
	if !now.Before(w.windowEnd) {
		w.windowEnd = now.Add(w.period)
		w.used = 0
	}

	// A batch larger than the limit can never fit, so waiting for a fresh
	// window would starve it forever. Admit it alone into an empty window
	// instead, saturating the window.
	if n > w.limit {
		if w.used > 0 {
			return false, w.windowEnd
		}
		w.used = w.limit
		return true, time.Time{}
	}

	if w.used+n > w.limit {
		return false, w.windowEnd
	}
	w.used += n
	return true, time.Time{}
}

// KeyedWindow combines a group of Window counters into a single key-indexed
// structure. Each unique key gets its own counter. The main use case is
// per-destination rate limiting.

// The amount of tracked keys is limited. When the internal map grows to
// around that value, the next Allow call attempts to remove counters whose
// window has long rolled over. If all counters are in active use, Allow
// denies the request with the current window end as the retry time.
//
// Similarly to Window, if limit = 0, all methods are no-op and always
// succeed.
type KeyedWindow struct {
	limit   int
	period  time.Duration
	maxKeys int

	lck sync.Mutex
	m   map[string]*struct {
		w       *Window
		lastUse time.Time
	}
}

func NewKeyedWindow(limit int, period time.Duration, maxKeys int) *KeyedWindow {
	return &KeyedWindow{
		limit:   limit,
		period:  period,
		maxKeys: maxKeys,
		m: map[string]*struct {
			w       *Window
			lastUse time.Time
		}{},
	}
}

func (kw *KeyedWindow) take(key string) *Window {
	kw.lck.Lock()
	defer kw.lck.Unlock()

	if len(kw.m) > kw.maxKeys {
		now := time.Now()
		// Attempt to get rid of stale counters.
		for k, v := range kw.m {
			if now.Sub(v.lastUse) > kw.period*2 {
				delete(kw.m, k)
			}
		}

		// Still full? E.g. all counters are in use.
		if len(kw.m) > kw.maxKeys {
			return nil
		}
	}

	counter, ok := kw.m[key]
	if !ok {
		kw.m[key] = &struct {
			w       *Window
			lastUse time.Time
		}{
			w:       NewWindow(kw.limit, kw.period),
			lastUse: time.Now(),
		}
		counter = kw.m[key]
	}
	kw.m[key].lastUse = time.Now()

	return counter.w
}

// Allow consumes one slot of the window assigned to key.
func (kw *KeyedWindow) Allow(key string) (ok bool, retryAt time.Time) {
	return kw.AllowN(key, 1)
}

// AllowN consumes n slots of the window assigned to key at once. Either all
// slots are consumed or none.
func (kw *KeyedWindow) AllowN(key string, n int) (ok bool, retryAt time.Time) {
	if kw.limit <= 0 {
		return true, time.Time{}
	}

	counter := kw.take(key)
	if counter == nil {
		// Under key-set pressure we deny the request rather than dropping
		// another key's counter that may be in active use.
		return false, time.Now().Add(kw.period)
	}
	return counter.AllowN(n)
}
