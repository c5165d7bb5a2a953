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

// Package mount implements the mount manager: a bucket_id->session
// map, each session a kernel-bridge FUSE worker
// launched on its own mountpoint, with a cross-process lock file guarding
// against two daemons racing to mount the same directory.
package mount

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/jacobsa/fuse"

	"github.com/ebreen/cloudmount/internal/client"
	cfsfs "github.com/ebreen/cloudmount/internal/fs"
	"github.com/ebreen/cloudmount/internal/logger"
)

// settleInterval is how long Mount waits after the kernel-bridge worker
// reports ready before declaring the mount successful, to catch a worker
// that exits immediately afterward (e.g. the kernel module isn't loaded).
const settleInterval = 200 * time.Millisecond

// unmountJoinTimeout bounds how long Unmount waits for the worker to
// exit before abandoning it.
const unmountJoinTimeout = 5 * time.Second

// Config describes one bucket to mount.
type Config struct {
	BucketName string
	Mountpoint string
	KeyID      string
	Key        string

	AuthorizeURL string // optional override, for tests.

	AttrCacheTTL         time.Duration
	DirCacheTTL          time.Duration
	NegativeCacheTTL     time.Duration
	ContentCacheMaxBytes int64
	CacheRoot            string
}

// Session is one active mount.
type Session struct {
	BucketID   string
	BucketName string
	Mountpoint string

	client *client.Client
	mfs    *fuse.MountedFileSystem
	lock   *flock.Flock

	mu         sync.Mutex
	lastError  string
	totalBytes int64
}

// Status is the control channel's view of one session (the // `status` response entries).
type Status struct {
	BucketID       string
	BucketName     string
	Mountpoint     string
	PendingUploads uint32
	LastError      string
	TotalBytesUsed uint64
}

// Manager owns every active Session, keyed by bucket id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Mount creates the mountpoint if absent, authorizes against the object
// store, starts the kernel-bridge worker, and registers the session. It
// returns the newly allocated bucket id.
func (m *Manager) Mount(cfg Config) (string, error) {
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Mountpoint == cfg.Mountpoint {
			m.mu.Unlock()
			return "", fmt.Errorf("mount: %s is already mounted", cfg.Mountpoint)
		}
	}
	m.mu.Unlock()

	if err := os.MkdirAll(cfg.Mountpoint, 0o755); err != nil {
		return "", fmt.Errorf("mount: create mountpoint: %w", err)
	}

	lock := flock.New(cfg.Mountpoint + ".cloudmount.lock")
	locked, err := lock.TryLock()
	if err != nil {
		return "", fmt.Errorf("mount: acquire mountpoint lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("mount: %s is locked by another process", cfg.Mountpoint)
	}

	rest := client.New(client.Config{
		AuthorizeURL: cfg.AuthorizeURL,
		KeyID:        cfg.KeyID,
		Key:          cfg.Key,
		BucketName:   cfg.BucketName,
	})
	if err := rest.Authorize(); err != nil {
		lock.Unlock()
		return "", fmt.Errorf("mount: authorize: %w", err)
	}

	buckets, err := rest.ListBuckets()
	if err != nil {
		lock.Unlock()
		return "", fmt.Errorf("mount: list buckets: %w", err)
	}
	var bucketID string
	for _, b := range buckets {
		if b.BucketName == cfg.BucketName {
			bucketID = b.BucketID
			break
		}
	}
	if bucketID == "" {
		lock.Unlock()
		return "", fmt.Errorf("mount: bucket %q not found", cfg.BucketName)
	}

	server, err := cfsfs.NewServer(&cfsfs.ServerConfig{
		Client:               rest,
		BucketID:             bucketID,
		BucketName:           cfg.BucketName,
		CacheDir:             cfg.CacheRoot,
		AttrCacheTTL:         cfg.AttrCacheTTL,
		DirCacheTTL:          cfg.DirCacheTTL,
		NegativeCacheTTL:     cfg.NegativeCacheTTL,
		ContentCacheMaxBytes: cfg.ContentCacheMaxBytes,
		Uid:                  uint32(os.Getuid()),
		Gid:                  uint32(os.Getgid()),
	})
	if err != nil {
		lock.Unlock()
		return "", fmt.Errorf("mount: build file system: %w", err)
	}

	mfs, err := fuse.Mount(cfg.Mountpoint, server, &fuse.MountConfig{})
	if err != nil {
		lock.Unlock()
		return "", fmt.Errorf("mount: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- mfs.Join(context.Background()) }()

	select {
	case err := <-exited:
		lock.Unlock()
		return "", fmt.Errorf("mount: kernel-bridge worker exited immediately: %w", err)
	case <-time.After(settleInterval):
	}

	bucketSessionID := uuid.NewString()
	sess := &Session{
		BucketID:   bucketSessionID,
		BucketName: cfg.BucketName,
		Mountpoint: cfg.Mountpoint,
		client:     rest,
		mfs:        mfs,
		lock:       lock,
	}

	go func() {
		if err := <-exited; err != nil {
			logger.Errorf("mount: session %s worker exited: %v", bucketSessionID, err)
		}
	}()

	m.mu.Lock()
	m.sessions[bucketSessionID] = sess
	m.mu.Unlock()

	return bucketSessionID, nil
}

// Unmount removes bucketID's session, shells out to the platform unmount
// command, joins the worker with a bounded timeout, and best-effort
// removes an empty mountpoint directory.
func (m *Manager) Unmount(bucketID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[bucketID]
	if ok {
		delete(m.sessions, bucketID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unmount: unknown bucket id %q", bucketID)
	}

	if err := platformUnmount(sess.Mountpoint); err != nil {
		logger.Warnf("unmount: %s: %v", sess.Mountpoint, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), unmountJoinTimeout)
	defer cancel()
	if err := sess.mfs.Join(ctx); err != nil && ctx.Err() != nil {
		logger.Warnf("unmount: %s: worker did not exit within %s, abandoning", sess.Mountpoint, unmountJoinTimeout)
	}

	sess.lock.Unlock()
	os.Remove(sess.lock.Path())
	os.Remove(sess.Mountpoint)

	return nil
}

// UnmountAll unmounts every active session, for graceful shutdown.
func (m *Manager) UnmountAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Unmount(id); err != nil {
			logger.Errorf("unmount_all: %v", err)
		}
	}
}

// Statuses returns a snapshot of every active session, for the control
// channel's getStatus response.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		out = append(out, Status{
			BucketID:       s.BucketID,
			BucketName:     s.BucketName,
			Mountpoint:     s.Mountpoint,
			LastError:      s.lastError,
			TotalBytesUsed: uint64(s.totalBytes),
		})
		s.mu.Unlock()
	}
	return out
}

// Health reports the worst connection health across every active
// session, and the union of their recent error logs, for the control
// channel's status response.
func (m *Manager) Health() (client.Health, []client.ErrorLogEntry) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	worst := client.HealthHealthy
	var errs []client.ErrorLogEntry
	for _, s := range m.sessions {
		if h := s.client.ConnectionHealth(); h > worst {
			worst = h
		}
		errs = append(errs, s.client.RecentErrors()...)
	}
	return worst, errs
}

// ListBuckets authorizes with the given credentials and lists every
// bucket visible to them, for the control channel's listBuckets command
// (which may run before any mount exists).
func ListBuckets(authorizeURL, keyID, key string) ([]client.BucketSummary, error) {
	rest := client.New(client.Config{AuthorizeURL: authorizeURL, KeyID: keyID, Key: key})
	if err := rest.Authorize(); err != nil {
		return nil, err
	}
	return rest.ListBuckets()
}

// platformUnmount shells out to fusermount -u to unmount a FUSE
// mountpoint on Linux.
func platformUnmount(dir string) error {
	path, err := exec.LookPath("fusermount")
	if err != nil {
		path, err = exec.LookPath("fusermount3")
		if err != nil {
			return fmt.Errorf("platformUnmount: fusermount not found: %w", err)
		}
	}
	cmd := exec.Command(path, "-u", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("platformUnmount: %v: %s", err, output)
	}
	return nil
}
