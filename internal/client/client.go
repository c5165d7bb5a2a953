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

// Package client implements the authenticated REST client: account
// authorization and token refresh, the bucket/object listing and
// manipulation calls the filesystem adapter depends on, and the
// retry/backoff/error-log machinery backing connection health
// reporting.
package client

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/ebreen/cloudmount/internal/resterr"
)

const (
	defaultListPageSize = 1000
	errorLogCapacity    = 10
	httpTimeout         = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	AuthorizeURL string // defaults to the well-known account-authorization endpoint.
	KeyID        string
	Key          string
	BucketName   string
	Clock        timeutil.Clock
	HTTPClient   *http.Client
}

// authState holds the tokens obtained from Authorize/RefreshAuth,
// protected by an RWMutex ("REST client auth state: RW lock
// reader model, exclusive on refresh").
type authState struct {
	mu          sync.RWMutex
	accountID   string
	token       string
	apiURL      string
	downloadURL string
}

func (a *authState) snapshot() (token, apiURL, downloadURL string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token, a.apiURL, a.downloadURL
}

// Client is the authenticated REST client. One Client per mounted
// bucket.
type Client struct {
	cfg        Config
	httpClient *http.Client
	clock      timeutil.Clock
	auth       authState
	health     health
	errLog     *errorRing
}

// New constructs an unauthenticated Client; call Authorize before use.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: httpTimeout}
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = "https://api.backblazeb2.com/b2api/v2/b2_authorize_account"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &Client{
		cfg:        cfg,
		httpClient: hc,
		clock:      clock,
		errLog:     newErrorRing(errorLogCapacity),
	}
}

// Authorize exchanges the key id and key for a bearer token and the two
// base URLs used for subsequent API and download calls.
func (c *Client) Authorize() error {
	req, err := http.NewRequest(http.MethodGet, c.cfg.AuthorizeURL, nil)
	if err != nil {
		return err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.KeyID + ":" + c.cfg.Key))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resterr.NewNetwork("authorize", "", isTimeout(err), err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newFromResponse("authorize", "", resp)
	}

	var body authorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode authorize response: %w", err)
	}

	c.auth.mu.Lock()
	c.auth.accountID = body.AccountID
	c.auth.token = body.AuthorizationToken
	c.auth.apiURL = body.APIInfo.StorageAPI.APIURL
	c.auth.downloadURL = body.APIInfo.StorageAPI.DownloadURL
	c.auth.mu.Unlock()

	c.health.healthy()
	return nil
}

// RefreshAuth re-authorizes, replacing the token and base URLs. Called by
// the retry loop on a 401, and safe to call directly.
func (c *Client) RefreshAuth() error {
	return c.Authorize()
}

// ListBuckets lists all buckets visible to the authorized key.
func (c *Client) ListBuckets() ([]BucketSummary, error) {
	var out []BucketSummary
	err := c.withRetry("list_buckets", "", true, func() error {
		token, apiURL, _ := c.auth.snapshot()
		reqBody, _ := json.Marshal(map[string]string{"accountId": c.accountID()})
		resp, err := c.postJSON(apiURL+"/b2api/v2/b2_list_buckets", token, reqBody)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return newFromResponse("list_buckets", "", resp)
		}
		var body listBucketsResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode list_buckets response: %w", err)
		}
		out = out[:0]
		for _, b := range body.Buckets {
			out = append(out, BucketSummary{BucketID: b.BucketID, BucketName: b.BucketName, BucketType: b.BucketType})
		}
		return nil
	})
	return out, err
}

// BucketSummary is one entry of ListBuckets, matching the control
// channel's bucketList schema.
type BucketSummary struct {
	BucketID   string
	BucketName string
	BucketType string
}

func (c *Client) accountID() string {
	c.auth.mu.RLock()
	defer c.auth.mu.RUnlock()
	return c.auth.accountID
}

// ListFileNames lists objects under an optional prefix, paginating
// internally at 1000 entries per page until the remote store reports no
// continuation.
func (c *Client) ListFileNames(bucketID, prefix, delimiter string) ([]FileInfo, error) {
	var all []FileInfo
	startFileName := ""

	for {
		var page listFileNamesResponse
		err := c.withRetry("list_file_names", prefix, true, func() error {
			token, apiURL, _ := c.auth.snapshot()
			reqBody, _ := json.Marshal(listFileNamesRequest{
				BucketID:      bucketID,
				StartFileName: startFileName,
				MaxFileCount:  defaultListPageSize,
				Prefix:        prefix,
				Delimiter:     delimiter,
			})
			resp, err := c.postJSON(apiURL+"/b2api/v2/b2_list_file_names", token, reqBody)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return newFromResponse("list_file_names", prefix, resp)
			}
			page = listFileNamesResponse{}
			return json.NewDecoder(resp.Body).Decode(&page)
		})
		if err != nil {
			return nil, err
		}

		all = append(all, page.Files...)
		if page.NextFileName == "" {
			break
		}
		startFileName = string(page.NextFileName)
	}

	return all, nil
}

// GetFileInfo fetches a single FileInfo by exact path, implemented as a
// prefix-1 listing with exact-match filtering.
func (c *Client) GetFileInfo(path string) (FileInfo, error) {
	files, err := c.listFileNamesOnePage(path, "", 1)
	if err != nil {
		return FileInfo{}, err
	}
	if len(files) == 0 || files[0].Key != path {
		return FileInfo{}, resterr.New("get_file_info", path, 404, "not found")
	}
	return files[0], nil
}

func (c *Client) listFileNamesOnePage(prefix, delimiter string, max int) ([]FileInfo, error) {
	var files []FileInfo
	err := c.withRetry("get_file_info", prefix, true, func() error {
		token, apiURL, _ := c.auth.snapshot()
		reqBody, _ := json.Marshal(listFileNamesRequest{
			MaxFileCount: max,
			Prefix:       prefix,
			Delimiter:    delimiter,
		})
		resp, err := c.postJSON(apiURL+"/b2api/v2/b2_list_file_names", token, reqBody)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return newFromResponse("get_file_info", prefix, resp)
		}
		if resp.StatusCode != http.StatusOK {
			return newFromResponse("get_file_info", prefix, resp)
		}
		var page listFileNamesResponse
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return fmt.Errorf("decode get_file_info response: %w", err)
		}
		files = page.Files
		return nil
	})
	return files, err
}

// DownloadFile fetches blob bytes, optionally restricted to a byte
// range ("GET {downloadUrl}/file/{bucketName}/{key}").
func (c *Client) DownloadFile(path string, rangeStart, rangeEnd int64, hasRange bool) ([]byte, error) {
	var data []byte
	err := c.withRetry("download_file", path, true, func() error {
		token, _, downloadURL := c.auth.snapshot()
		u := downloadURL + "/file/" + c.cfg.BucketName + "/" + url.PathEscape(path)
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", token)
		if hasRange {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rangeStart, rangeEnd))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return resterr.NewNetwork("download_file", path, isTimeout(err), err.Error())
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			return newFromResponse("download_file", path, resp)
		}

		data, err = io.ReadAll(resp.Body)
		return err
	})
	return data, err
}

// UploadFile uploads the full contents of a blob, obtaining a short-lived
// upload URL and computing the SHA-1 of the body.
func (c *Client) UploadFile(bucketID, path string, body []byte, contentType string) (FileInfo, error) {
	var result FileInfo
	err := c.withRetry("upload_file", path, true, func() error {
		uploadURL, uploadToken, err := c.getUploadURL(bucketID)
		if err != nil {
			return err
		}

		sum := sha1.Sum(body)
		hexSum := hex.EncodeToString(sum[:])

		req, err := http.NewRequest(http.MethodPost, uploadURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", uploadToken)
		req.Header.Set("X-Bz-File-Name", url.PathEscape(path))
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
		req.Header.Set("X-Bz-Content-Sha1", hexSum)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return resterr.NewNetwork("upload_file", path, isTimeout(err), err.Error())
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return newFromResponse("upload_file", path, resp)
		}

		var fi FileInfo
		if err := json.NewDecoder(resp.Body).Decode(&fi); err != nil {
			return fmt.Errorf("decode upload response: %w", err)
		}
		result = fi
		return nil
	})
	return result, err
}

func (c *Client) getUploadURL(bucketID string) (string, string, error) {
	token, apiURL, _ := c.auth.snapshot()
	reqBody, _ := json.Marshal(map[string]string{"bucketId": bucketID})
	resp, err := c.postJSON(apiURL+"/b2api/v2/b2_get_upload_url", token, reqBody)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", newFromResponse("get_upload_url", "", resp)
	}
	var body getUploadURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("decode get_upload_url response: %w", err)
	}
	return body.UploadURL, body.AuthToken, nil
}

// CreateFolder uploads a zero-byte blob whose key ends with "/" and
// content type application/x-directory.
func (c *Client) CreateFolder(bucketID, path string) (FileInfo, error) {
	key := path
	if key == "" || key[len(key)-1] != '/' {
		key += "/"
	}
	return c.UploadFile(bucketID, key, nil, "application/x-directory")
}

// DeleteFile deletes a specific file version by id.
func (c *Client) DeleteFile(path, fileID string) error {
	return c.withRetry("delete_file", path, true, func() error {
		token, apiURL, _ := c.auth.snapshot()
		reqBody, _ := json.Marshal(map[string]string{"fileName": path, "fileId": fileID})
		resp, err := c.postJSON(apiURL+"/b2api/v2/b2_delete_file_version", token, reqBody)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return newFromResponse("delete_file", path, resp)
		}
		return nil
	})
}

// HideFile hides the current version of a file without deleting history
//.
func (c *Client) HideFile(bucketID, path string) error {
	return c.withRetry("hide_file", path, true, func() error {
		token, apiURL, _ := c.auth.snapshot()
		reqBody, _ := json.Marshal(map[string]string{"bucketId": bucketID, "fileName": path})
		resp, err := c.postJSON(apiURL+"/b2api/v2/b2_hide_file", token, reqBody)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return newFromResponse("hide_file", path, resp)
		}
		return nil
	})
}

// CopyFile performs a server-side copy to a new path, used by rename.
func (c *Client) CopyFile(sourceFileID, destPath string) (FileInfo, error) {
	var result FileInfo
	err := c.withRetry("copy_file", destPath, true, func() error {
		token, apiURL, _ := c.auth.snapshot()
		reqBody, _ := json.Marshal(map[string]string{"sourceFileId": sourceFileID, "fileName": destPath})
		resp, err := c.postJSON(apiURL+"/b2api/v2/b2_copy_file", token, reqBody)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return newFromResponse("copy_file", destPath, resp)
		}
		var fi FileInfo
		if err := json.NewDecoder(resp.Body).Decode(&fi); err != nil {
			return fmt.Errorf("decode copy_file response: %w", err)
		}
		result = fi
		return nil
	})
	return result, err
}

func (c *Client) postJSON(endpoint, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resterr.NewNetwork("post", endpoint, isTimeout(err), err.Error())
	}
	return resp, nil
}

func newFromResponse(op, path string, resp *http.Response) error {
	msg := resp.Status
	if b, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && len(b) > 0 {
		msg = string(b)
	}
	return resterr.New(op, path, resp.StatusCode, msg)
}

func isTimeout(err error) bool {
	type timeoutter interface{ Timeout() bool }
	if t, ok := err.(timeoutter); ok {
		return t.Timeout()
	}
	return false
}
