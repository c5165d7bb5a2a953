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

package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebreen/cloudmount/internal/client"
)

func TestMountRejectsDuplicateMountpoint(t *testing.T) {
	m := New()
	m.sessions["existing"] = &Session{BucketID: "existing", Mountpoint: "/mnt/photos"}

	_, err := m.Mount(Config{BucketName: "photos", Mountpoint: "/mnt/photos"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already mounted")
}

func TestUnmountUnknownBucketID(t *testing.T) {
	m := New()
	err := m.Unmount("does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bucket id")
}

func TestStatusesReflectsSessionState(t *testing.T) {
	m := New()
	m.sessions["b1"] = &Session{BucketID: "b1", BucketName: "photos", Mountpoint: "/mnt/photos", totalBytes: 1024}

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "photos", statuses[0].BucketName)
	assert.EqualValues(t, 1024, statuses[0].TotalBytesUsed)
}

func TestHealthIsHealthyWithNoSessions(t *testing.T) {
	m := New()
	health, errs := m.Health()
	assert.Equal(t, client.HealthHealthy, health)
	assert.Empty(t, errs)
}
