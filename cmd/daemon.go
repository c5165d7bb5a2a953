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

package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/daemonize"

	"github.com/ebreen/cloudmount/internal/control"
	"github.com/ebreen/cloudmount/internal/logger"
	"github.com/ebreen/cloudmount/internal/mount"
)

// runAsDaemon re-execs the current binary with --foreground placed ahead
// of the original arguments, in the background, and waits for the child to signal whether it
// bound its control socket successfully. Grounded on legacy_main.go's
// daemonize.Run/SignalOutcome handshake.
func runAsDaemon() error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemonize: find executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)

	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}
	if v, ok := os.LookupEnv("CLOUDMOUNT_KEY_ID"); ok {
		env = append(env, fmt.Sprintf("CLOUDMOUNT_KEY_ID=%s", v))
	}
	if v, ok := os.LookupEnv("CLOUDMOUNT_KEY"); ok {
		env = append(env, fmt.Sprintf("CLOUDMOUNT_KEY=%s", v))
	}
	if v, ok := os.LookupEnv("CLOUDMOUNT_LOG"); ok {
		env = append(env, fmt.Sprintf("CLOUDMOUNT_LOG=%s", v))
	}

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	fmt.Println("cloudmountd started in the background")
	return nil
}

// runDaemon builds a mount manager and control server and blocks until a
// termination signal arrives, unmounting every active session on the
// way out. When invoked as a daemonized child (foreground == true and
// a parent is waiting), it signals the parent once the socket is
// bound. Grounded on legacy_main.go's SIGINT handler and
// markSuccessfulMount/markMountFailure pattern, simplified since this
// daemon owns many sessions instead of one.
func runDaemon() error {
	manager := mount.New()
	server := control.New(resolved.SocketPath, manager)

	signalOutcome := func(err error) {
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			logger.Errorf("cloudmountd: signal outcome to parent: %v", err2)
		}
	}

	if err := server.Listen(); err != nil {
		signalOutcome(err)
		return err
	}
	signalOutcome(nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("cloudmountd: received %s, unmounting all sessions", sig)
		manager.UnmountAll()
		if err := server.Close(); err != nil {
			logger.Warnf("cloudmountd: close control socket: %v", err)
		}
	}()

	logger.Infof("cloudmountd: listening on %s", resolved.SocketPath)
	err := server.Serve()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
