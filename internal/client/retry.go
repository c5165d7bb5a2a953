// Copyright 2024 The Cloudmount Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebreen/cloudmount/internal/resterr"
)

// backoffSchedule is the fixed retry delay ladder: 500ms, 1000ms,
// 2000ms over 3 retries (4 attempts total).
var backoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1000 * time.Millisecond,
	2000 * time.Millisecond,
}

const maxAttempts = len(backoffSchedule) + 1

// Health is the connection health enum surfaced through the control
// channel's status response.
type Health int32

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// ErrorLogEntry is one entry of the circular error log.
type ErrorLogEntry struct {
	Timestamp uint64
	Operation string
	Path      string
	Error     string
}

// errorRing is a bounded ring buffer of the last N error log entries.
type errorRing struct {
	mu      sync.Mutex
	entries []ErrorLogEntry
	cap     int
	next    int
	full    bool
}

func newErrorRing(capacity int) *errorRing {
	return &errorRing{entries: make([]ErrorLogEntry, capacity), cap: capacity}
}

func (r *errorRing) push(e ErrorLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to the ring's capacity of entries, oldest first.
func (r *errorRing) Recent() []ErrorLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]ErrorLogEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}

	out := make([]ErrorLogEntry, r.cap)
	copy(out, r.entries[r.next:])
	copy(out[r.cap-r.next:], r.entries[:r.next])
	return out
}

// health tracks the connection health gauge as a single atomic value.
type health struct {
	v atomic.Int32
}

func (h *health) set(v Health)  { h.v.Store(int32(v)) }
func (h *health) get() Health   { return Health(h.v.Load()) }
func (h *health) healthy()      { h.set(HealthHealthy) }
func (h *health) degrade()      { h.set(HealthDegraded) }
func (h *health) unhealthy()    { h.set(HealthUnhealthy) }

// withRetry runs fn, classifying failures and retrying retryable ones
// with the fixed backoff schedule. auth-expired errors trigger a single
// refresh (via refreshAuth) before falling back to the ordinary
// retry-and-backoff path. The retry loop is per-call, not per-client.
func (c *Client) withRetry(op, path string, refreshAuth bool, fn func() error) error {
	var lastErr error
	refreshedOnce := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			c.health.healthy()
			return nil
		}

		lastErr = err
		restErr, ok := err.(*resterr.Error)
		if !ok {
			c.recordFailure(op, path, err)
			return err
		}

		switch restErr.Kind {
		case resterr.KindAuthExpired:
			if refreshAuth && !refreshedOnce {
				refreshedOnce = true
				if rerr := c.RefreshAuth(); rerr != nil {
					c.recordFailure(op, path, rerr)
					return rerr
				}
				continue
			}
			c.health.degrade()
		case resterr.KindRateLimited:
			c.health.degrade()
		case resterr.KindNetwork, resterr.KindTimeout:
			c.health.unhealthy()
		case resterr.KindServer:
			// retryable, health left as-is until it either recovers or the
			// caller observes repeated failures via recentErrors.
		default:
			c.recordFailure(op, path, err)
			return err
		}

		if !restErr.Retryable() {
			c.recordFailure(op, path, err)
			return err
		}

		if attempt < len(backoffSchedule) {
			time.Sleep(backoffSchedule[attempt])
		}
	}

	c.recordFailure(op, path, lastErr)
	return lastErr
}

func (c *Client) recordFailure(op, path string, err error) {
	c.errLog.push(ErrorLogEntry{
		Timestamp: uint64(c.clock.Now().UnixMilli()),
		Operation: op,
		Path:      path,
		Error:     err.Error(),
	})
}

// RecentErrors returns the last entries recorded in the error log, for
// the control channel's status response.
func (c *Client) RecentErrors() []ErrorLogEntry {
	return c.errLog.Recent()
}

// ConnectionHealth returns the current health enum.
func (c *Client) ConnectionHealth() Health {
	return c.health.get()
}
