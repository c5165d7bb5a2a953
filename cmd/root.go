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

// Package cmd is the daemon's cobra command tree: cloudmountd itself
// runs the control channel server (in the background unless
// --foreground is given), and its subcommands are thin clients that
// dial the control socket.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ebreen/cloudmount/internal/cfg"
	"github.com/ebreen/cloudmount/internal/logger"
)

var (
	cfgFile    string
	socketFlag string
	foreground bool
	resolved   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "cloudmountd",
	Short: "Mount object-store buckets as local file systems",
	Long: `cloudmountd runs the mount manager and its control channel. By
default it re-executes itself in the background; pass --foreground to
keep it attached. Use the mount, unmount, and list subcommands from
another terminal (or a wrapper script) to drive it.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !foreground {
			return runAsDaemon()
		}
		return runDaemon()
	},
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "control channel socket path (overrides CLOUDMOUNT_SOCKET)")
	rootCmd.PersistentFlags().BoolVar(&foreground, "foreground", false, "run the daemon in the foreground instead of backgrounding it")

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(listCmd)
}

func initConfig() {
	v := viper.New()
	var err error
	resolved, err = cfg.Load(v, cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloudmountd: %v\n", err)
		os.Exit(1)
	}
	if socketFlag != "" {
		resolved.SocketPath = socketFlag
	}
	logger.Default().SetLevel(logger.ParseSeverity(resolved.LogLevel))
}

func credentialsFromEnv() cfg.Credentials {
	return cfg.Credentials{
		KeyID: os.Getenv("CLOUDMOUNT_KEY_ID"),
		Key:   os.Getenv("CLOUDMOUNT_KEY"),
	}
}
