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

package cfg

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cloudmountd.sock", c.SocketPath)
	assert.Equal(t, 10*time.Minute, c.AttrCacheTTL)
	assert.Equal(t, 5*time.Minute, c.DirCacheTTL)
	assert.EqualValues(t, 1<<30, c.ContentCacheMaxBytes)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("CLOUDMOUNT_LOG_LEVEL", "debug")

	c, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
}
