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

	"github.com/ebreen/cloudmount/internal/cfg"
	"github.com/ebreen/cloudmount/internal/control"
)

var mountCmd = &cobra.Command{
	Use:   "mount <bucket> <mountpoint> [key_id] [key]",
	Short: "Mount a bucket at a local directory",
	Long: `Mount a bucket at a local directory.

key_id and key may be given as positional arguments, or left off and
sourced from the CLOUDMOUNT_KEY_ID / CLOUDMOUNT_KEY environment
variables instead.`,
	Args: cobra.RangeArgs(2, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds := credentialsFromEnv()
		if len(args) == 4 {
			creds = cfg.Credentials{KeyID: args[2], Key: args[3]}
		} else if len(args) == 3 {
			return fmt.Errorf("mount: key_id and key must both be given, or both omitted")
		}
		if creds.KeyID == "" || creds.Key == "" {
			return fmt.Errorf("mount: key_id/key must be given as arguments or via CLOUDMOUNT_KEY_ID/CLOUDMOUNT_KEY")
		}

		resp, err := sendRequest(control.Request{
			Type:       "mount",
			BucketName: args[0],
			Mountpoint: args[1],
			KeyID:      creds.KeyID,
			Key:        creds.Key,
		})
		if err != nil {
			return err
		}
		if resp.Type == "error" {
			return fmt.Errorf("mount: %s", resp.Error)
		}
		fmt.Println(resp.Message)
		return nil
	},
}

var unmountCmd = &cobra.Command{
	Use:   "unmount <bucket-id>",
	Short: "Unmount a previously mounted bucket by its session bucket id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := sendRequest(control.Request{Type: "unmount", BucketID: args[0]})
		if err != nil {
			return err
		}
		if resp.Type == "error" {
			return fmt.Errorf("unmount: %s", resp.Error)
		}
		fmt.Println(resp.Message)
		return nil
	},
}
