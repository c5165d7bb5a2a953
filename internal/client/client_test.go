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

package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeB2 is an in-memory stand-in for the account-authorization and
// storage API endpoints a Client talks to, enough to exercise
// pagination, retry, and token refresh without a real bucket.
type fakeB2 struct {
	mu sync.Mutex

	authCount       int
	tokenGeneration int

	files      []FileInfo
	nextFileID int

	listCalls      int
	failListOnCall map[int]int // call number -> status code to return instead
}

func newFakeB2(t *testing.T) (*httptest.Server, *fakeB2) {
	t.Helper()
	f := &fakeB2{failListOnCall: make(map[int]int)}

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/b2api/v2/b2_authorize_account", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authCount++
		f.tokenGeneration++
		gen := f.tokenGeneration
		f.mu.Unlock()
		json.NewEncoder(w).Encode(authorizeResponse{
			AccountID:          "acct-1",
			AuthorizationToken: fmt.Sprintf("token-%d", gen),
			APIInfo: struct {
				StorageAPI struct {
					APIURL      string `json:"apiUrl"`
					DownloadURL string `json:"downloadUrl"`
				} `json:"storageApi"`
			}{
				StorageAPI: struct {
					APIURL      string `json:"apiUrl"`
					DownloadURL string `json:"downloadUrl"`
				}{APIURL: srv.URL, DownloadURL: srv.URL},
			},
		})
	})

	mux.HandleFunc("/b2api/v2/b2_list_buckets", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(listBucketsResponse{Buckets: []bucketInfo{
			{BucketID: "bucket-1", BucketName: "photos", BucketType: "allPrivate"},
		}})
	})

	mux.HandleFunc("/b2api/v2/b2_list_file_names", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.listCalls++
		call := f.listCalls
		status, scripted := f.failListOnCall[call]
		f.mu.Unlock()

		if scripted {
			w.WriteHeader(status)
			io.WriteString(w, `{"code":"scripted_failure"}`)
			return
		}

		var req listFileNamesRequest
		json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()

		const pageSize = 2
		start := 0
		if req.StartFileName != "" {
			for i, fi := range f.files {
				if fi.Key == req.StartFileName {
					start = i
					break
				}
			}
		}
		matched := make([]FileInfo, 0, pageSize)
		for i := start; i < len(f.files) && len(matched) < pageSize; i++ {
			fi := f.files[i]
			if req.Prefix != "" && !strings.HasPrefix(fi.Key, req.Prefix) {
				continue
			}
			matched = append(matched, fi)
		}
		resp := listFileNamesResponse{Files: matched}
		if start+len(matched) < len(f.files) {
			resp.NextFileName = FlexString(f.files[start+len(matched)].Key)
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/b2api/v2/b2_get_upload_url", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(getUploadURLResponse{UploadURL: srv.URL + "/upload/bucket-1", AuthToken: "upload-token"})
	})

	mux.HandleFunc("/upload/bucket-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Bz-Content-Sha1") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.nextFileID++
		id := f.nextFileID
		f.mu.Unlock()
		name, _ := url.PathUnescape(r.Header.Get("X-Bz-File-Name"))
		json.NewEncoder(w).Encode(FileInfo{
			Key:    name,
			Size:   FlexInt64(len(body)),
			FileID: FlexString(fmt.Sprintf("file-%d", id)),
		})
	})

	mux.HandleFunc("/b2api/v2/b2_delete_file_version", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"fileName": "deleted"})
	})

	mux.HandleFunc("/b2api/v2/b2_hide_file", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"action": "hide"})
	})

	mux.HandleFunc("/b2api/v2/b2_copy_file", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FileInfo{Key: "copied", FileID: "file-copy"})
	})

	mux.HandleFunc("/file/photos/", func(w http.ResponseWriter, r *http.Request) {
		data := []byte("hello world")
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(data)
			return
		}
		var start, end int
		fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, f
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		AuthorizeURL: srv.URL + "/b2api/v2/b2_authorize_account",
		KeyID:        "key-id",
		Key:          "key",
		BucketName:   "photos",
	})
}

func TestAuthorizeSetsTokenAndURLs(t *testing.T) {
	srv, fake := newFakeB2(t)
	c := newTestClient(srv)

	require.NoError(t, c.Authorize())
	assert.Equal(t, 1, fake.authCount)
	assert.Equal(t, HealthHealthy, c.ConnectionHealth())
}

func TestListBuckets(t *testing.T) {
	srv, _ := newFakeB2(t)
	c := newTestClient(srv)
	require.NoError(t, c.Authorize())

	buckets, err := c.ListBuckets()
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "photos", buckets[0].BucketName)
}

func TestListFileNamesPaginatesUntilExhausted(t *testing.T) {
	srv, fake := newFakeB2(t)
	fake.files = []FileInfo{
		{Key: "a.txt"}, {Key: "b.txt"}, {Key: "c.txt"}, {Key: "d.txt"}, {Key: "e.txt"},
	}
	c := newTestClient(srv)
	require.NoError(t, c.Authorize())

	files, err := c.ListFileNames("bucket-1", "", "")
	require.NoError(t, err)
	assert.Len(t, files, 5, "all pages must be consumed despite the 2-per-page script")
	assert.Equal(t, "e.txt", files[4].Key)
}

func TestGetFileInfoExactMatch(t *testing.T) {
	srv, fake := newFakeB2(t)
	fake.files = []FileInfo{{Key: "notes.txt", Size: 10}}
	c := newTestClient(srv)
	require.NoError(t, c.Authorize())

	fi, err := c.GetFileInfo("notes.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 10, fi.Size)
}

func TestGetFileInfoNotFound(t *testing.T) {
	srv, _ := newFakeB2(t)
	c := newTestClient(srv)
	require.NoError(t, c.Authorize())

	_, err := c.GetFileInfo("missing.txt")
	require.Error(t, err)
}

func TestTokenExpiryMidListingTriggersSingleRefresh(t *testing.T) {
	srv, fake := newFakeB2(t)
	fake.files = []FileInfo{
		{Key: "a.txt"}, {Key: "b.txt"}, {Key: "c.txt"}, {Key: "d.txt"},
	}
	// The second page request (call 2) sees its token expire.
	fake.failListOnCall[2] = http.StatusUnauthorized

	c := newTestClient(srv)
	require.NoError(t, c.Authorize())

	files, err := c.ListFileNames("bucket-1", "", "")
	require.NoError(t, err)
	assert.Len(t, files, 4)
	assert.Equal(t, 2, fake.authCount, "exactly one re-authorization: the initial Authorize plus the single mid-listing refresh")
}

func TestDownloadFileByteRange(t *testing.T) {
	srv, _ := newFakeB2(t)
	c := newTestClient(srv)
	require.NoError(t, c.Authorize())

	data, err := c.DownloadFile("greeting.txt", 0, 4, true)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestUploadFileSetsContentHashHeader(t *testing.T) {
	srv, _ := newFakeB2(t)
	c := newTestClient(srv)
	require.NoError(t, c.Authorize())

	fi, err := c.UploadFile("bucket-1", "new.txt", []byte("payload"), "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, "new.txt", fi.Key)
	assert.NotEmpty(t, fi.FileID)
}

func TestCreateFolderAppendsTrailingSlash(t *testing.T) {
	srv, _ := newFakeB2(t)
	c := newTestClient(srv)
	require.NoError(t, c.Authorize())

	fi, err := c.CreateFolder("bucket-1", "photos/2024")
	require.NoError(t, err)
	assert.Equal(t, "photos/2024/", fi.Key)
}

func TestDeleteHideCopyFile(t *testing.T) {
	srv, _ := newFakeB2(t)
	c := newTestClient(srv)
	require.NoError(t, c.Authorize())

	require.NoError(t, c.DeleteFile("a.txt", "file-1"))
	require.NoError(t, c.HideFile("bucket-1", "a.txt"))

	fi, err := c.CopyFile("file-1", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "copied", fi.Key)
}

func TestRecentErrorsRecordsNonRetryableFailure(t *testing.T) {
	srv, fake := newFakeB2(t)
	fake.failListOnCall[1] = http.StatusForbidden

	c := newTestClient(srv)
	require.NoError(t, c.Authorize())

	_, err := c.ListFileNames("bucket-1", "", "")
	require.Error(t, err)

	errs := c.RecentErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, "list_file_names", errs[0].Operation)
}
