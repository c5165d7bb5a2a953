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

package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/ebreen/cloudmount/internal/logger"
	"github.com/ebreen/cloudmount/internal/mount"
)

// Server is the control channel's Unix domain socket listener.
type Server struct {
	socketPath string
	manager    *mount.Manager

	mu       sync.Mutex
	listener net.Listener
}

// New returns a Server bound to socketPath, dispatching mutating commands
// to manager.
func New(socketPath string, manager *mount.Manager) *Server {
	return &Server{socketPath: socketPath, manager: manager}
}

// Listen removes any stale socket file left over from an unclean prior
// shutdown and binds the control socket, without yet accepting
// connections. Split from Serve so a daemonizing caller can signal its
// parent process as soon as the socket is bound, before blocking in
// the accept loop.
func (s *Server) Listen() error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("control: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve binds the control socket (if Listen wasn't already called) and
// accepts connections until the listener is closed, handling each on
// its own goroutine.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(errorResponse(fmt.Errorf("malformed request: %w", err)))
			continue
		}

		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			logger.Warnf("control: write response: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Type {
	case "mount":
		return s.handleMount(req)
	case "unmount":
		return s.handleUnmount(req)
	case "getStatus":
		return s.handleStatus()
	case "listBuckets":
		return s.handleListBuckets(req)
	default:
		return errorResponse(fmt.Errorf("unknown request type %q", req.Type))
	}
}

func (s *Server) handleMount(req Request) Response {
	bucketID, err := s.manager.Mount(mount.Config{
		BucketName: req.BucketName,
		Mountpoint: req.Mountpoint,
		KeyID:      req.KeyID,
		Key:        req.Key,
	})
	if err != nil {
		return errorResponse(err)
	}
	return success(fmt.Sprintf("mounted %s at %s as bucket %s", req.BucketName, req.Mountpoint, bucketID))
}

func (s *Server) handleUnmount(req Request) Response {
	if err := s.manager.Unmount(req.BucketID); err != nil {
		return errorResponse(err)
	}
	return success(fmt.Sprintf("unmounted bucket %s", req.BucketID))
}

func (s *Server) handleStatus() Response {
	statuses := s.manager.Statuses()
	mounts := make([]MountStatus, 0, len(statuses))
	for _, st := range statuses {
		ms := MountStatus{
			BucketID:       st.BucketID,
			BucketName:     st.BucketName,
			Mountpoint:     st.Mountpoint,
			PendingUploads: st.PendingUploads,
		}
		if st.LastError != "" {
			ms.LastError = &st.LastError
		}
		total := st.TotalBytesUsed
		ms.TotalBytesUsed = &total
		mounts = append(mounts, ms)
	}

	health, recent := s.manager.Health()
	recentErrors := make([]RecentError, 0, len(recent))
	for _, e := range recent {
		recentErrors = append(recentErrors, RecentError{
			Timestamp: e.Timestamp,
			Operation: e.Operation,
			Path:      e.Path,
			Error:     e.Error,
		})
	}

	return Response{
		Type:             "status",
		Version:          ProtocolVersion,
		Healthy:          health.String() == "healthy",
		Mounts:           mounts,
		ConnectionHealth: health.String(),
		RecentErrors:     recentErrors,
	}
}

func (s *Server) handleListBuckets(req Request) Response {
	buckets, err := mount.ListBuckets("", req.KeyID, req.Key)
	if err != nil {
		return errorResponse(err)
	}

	out := make([]BucketSummary, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, BucketSummary{BucketID: b.BucketID, BucketName: b.BucketName, BucketType: b.BucketType})
	}
	return Response{Type: "bucketList", Buckets: out}
}
