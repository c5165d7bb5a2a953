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
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"github.com/ebreen/cloudmount/internal/control"
)

// sendRequest dials the control socket, writes req as one line of JSON,
// and reads back exactly one line of JSON response. The daemon must
// already be running; these subcommands are thin clients, not an
// embedded server.
func sendRequest(req control.Request) (control.Response, error) {
	conn, err := net.Dial("unix", resolved.SocketPath)
	if err != nil {
		return control.Response{}, fmt.Errorf("connect to %s (is cloudmountd running?): %w", resolved.SocketPath, err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return control.Response{}, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return control.Response{}, fmt.Errorf("read response: %w", err)
		}
		return control.Response{}, fmt.Errorf("read response: connection closed")
	}

	var resp control.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return control.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
