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

// Package cfg holds the daemon's layered configuration: flags override
// environment variables, which override the config file, which override
// the defaults set here. The layering is delegated to viper; this
// package only defines the shape and the defaults.
package cfg

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	SocketPath string `mapstructure:"socket_path"`
	CacheDir   string `mapstructure:"cache_dir"`

	AttrCacheTTL     time.Duration `mapstructure:"attr_cache_ttl"`
	DirCacheTTL      time.Duration `mapstructure:"dir_cache_ttl"`
	NegativeCacheTTL time.Duration `mapstructure:"negative_cache_ttl"`

	ContentCacheMaxBytes int64 `mapstructure:"content_cache_max_bytes"`

	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	UnmountJoin   time.Duration `mapstructure:"unmount_join_timeout"`
	KernelReplyTTL time.Duration `mapstructure:"kernel_reply_ttl"`

	LogLevel string `mapstructure:"log_level"`
}

// Defaults returns the baseline timeout/TTL configuration used when
// nothing overrides it.
func Defaults() Config {
	return Config{
		SocketPath:           "/tmp/cloudmountd.sock",
		CacheDir:             "",
		AttrCacheTTL:         10 * time.Minute,
		DirCacheTTL:          5 * time.Minute,
		NegativeCacheTTL:     10 * time.Minute,
		ContentCacheMaxBytes: 1 << 30,
		HTTPTimeout:          30 * time.Second,
		UnmountJoin:          5 * time.Second,
		KernelReplyTTL:       time.Second,
		LogLevel:             "info",
	}
}

// Load configures v layering env > config file > defaults, and decodes
// it into a Config via mapstructure (the same two libraries the daemon's
// CLI entry point already depends on). It binds no command-line flags.
func Load(v *viper.Viper, configFile string) (Config, error) {
	defaults := Defaults()

	v.SetEnvPrefix("CLOUDMOUNT")
	v.AutomaticEnv()
	_ = v.BindEnv("key_id", "CLOUDMOUNT_KEY_ID")
	_ = v.BindEnv("key", "CLOUDMOUNT_KEY")
	_ = v.BindEnv("log_level", "CLOUDMOUNT_LOG")

	v.SetDefault("socket_path", defaults.SocketPath)
	v.SetDefault("cache_dir", defaults.CacheDir)
	v.SetDefault("attr_cache_ttl", defaults.AttrCacheTTL)
	v.SetDefault("dir_cache_ttl", defaults.DirCacheTTL)
	v.SetDefault("negative_cache_ttl", defaults.NegativeCacheTTL)
	v.SetDefault("content_cache_max_bytes", defaults.ContentCacheMaxBytes)
	v.SetDefault("http_timeout", defaults.HTTPTimeout)
	v.SetDefault("unmount_join_timeout", defaults.UnmountJoin)
	v.SetDefault("kernel_reply_ttl", defaults.KernelReplyTTL)
	v.SetDefault("log_level", defaults.LogLevel)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("cfg: read config file: %w", err)
			}
		}
	}

	var out Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&out, viper.DecodeHook(decodeHook)); err != nil {
		return Config{}, fmt.Errorf("cfg: decode: %w", err)
	}
	return out, nil
}

// Credentials holds the key pair used to authenticate to the object
// store, sourced from CLOUDMOUNT_KEY_ID / CLOUDMOUNT_KEY or CLI arguments.
type Credentials struct {
	KeyID string
	Key   string
}
