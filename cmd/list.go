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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ebreen/cloudmount/internal/control"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active mount sessions and their connection health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := sendRequest(control.Request{Type: "getStatus"})
		if err != nil {
			return err
		}
		if resp.Type == "error" {
			return fmt.Errorf("list: %s", resp.Error)
		}

		if len(resp.Mounts) == 0 {
			fmt.Println("no active mounts")
		}
		for _, m := range resp.Mounts {
			lastErr := "-"
			if m.LastError != nil && *m.LastError != "" {
				lastErr = *m.LastError
			}
			fmt.Printf("%s\t%s\t%s\tpending=%d\tlastError=%s\n",
				m.BucketID, m.BucketName, m.Mountpoint, m.PendingUploads, lastErr)
		}
		fmt.Printf("connection: %s\n", resp.ConnectionHealth)
		return nil
	},
}
