// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// klog flushes its buffers periodically in a background goroutine.
var ignoreKlogFlush = goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1")

func newFileServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.Header().Set("X-Error-Message", "unauthorized")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		contents, found := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(contents)))
		_, _ = w.Write([]byte(contents))
	}))
}

func TestDownload(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreKlogFlush)
	server := newFileServer(t, map[string]string{"a.jpg": "image-a"})
	defer server.Close()

	dir := t.TempDir()
	m := New().WithHTTPClient(server.Client()).WithAuthToken("secret").WithUserAgent("detpipe-test")
	var lastDownloaded, lastTotal int64
	n, err := m.Download(context.Background(), server.URL+"/a.jpg", filepath.Join(dir, "sub", "a.jpg"),
		func(downloadedBytes, totalBytes int64) {
			lastDownloaded, lastTotal = downloadedBytes, totalBytes
		})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, int64(7), lastDownloaded)
	assert.Equal(t, int64(7), lastTotal)
	contents, err := os.ReadFile(filepath.Join(dir, "sub", "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "image-a", string(contents))
	_, err = os.Stat(filepath.Join(dir, "sub", "a.jpg"+TempSuffix))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Missing file.
	_, err = m.Download(context.Background(), server.URL+"/missing.jpg", filepath.Join(dir, "missing.jpg"), nil)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	_, err = os.Stat(filepath.Join(dir, "missing.jpg"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Bad token.
	_, err = New().WithHTTPClient(server.Client()).Download(context.Background(), server.URL+"/a.jpg",
		filepath.Join(dir, "b.jpg"), nil)
	require.ErrorContains(t, err, "unauthorized")
}

func TestDownloadCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreKlogFlush)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	filePath := filepath.Join(dir, "slow.bin")
	_, err := New().WithHTTPClient(server.Client()).Download(ctx, server.URL+"/slow.bin", filePath,
		func(downloadedBytes, _ int64) {
			if downloadedBytes > 0 {
				cancel()
			}
		})
	require.Error(t, err)
	require.True(t, errors.Is(err, CancellationError), "got error %v", err)
	_, err = os.Stat(filePath + TempSuffix)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filePath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDownloadAll(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreKlogFlush)
	files := make(map[string]string)
	for ii := range 10 {
		files[fmt.Sprintf("img%d.jpg", ii)] = strings.Repeat("x", ii+1)
	}
	server := newFileServer(t, files)
	defer server.Close()

	dir := t.TempDir()
	// One file is already there: it should not be downloaded again.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img0.jpg"), []byte("x"), 0644))
	var jobs []Job
	for name := range files {
		jobs = append(jobs, Job{URL: server.URL + "/" + name, FilePath: filepath.Join(dir, name)})
	}
	var progress bytes.Buffer
	m := New().WithHTTPClient(server.Client()).WithAuthToken("secret").MaxParallel(3).WithProgressOutput(&progress)
	total, err := m.DownloadAll(context.Background(), jobs)
	require.NoError(t, err)
	assert.Equal(t, int64(2+3+4+5+6+7+8+9+10), total)
	assert.Contains(t, progress.String(), "Downloaded 9/9 files")
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	// An error in one of the files is returned.
	jobs = append(jobs, Job{URL: server.URL + "/missing.jpg", FilePath: filepath.Join(dir, "missing.jpg")})
	_, err = m.DownloadAll(context.Background(), jobs)
	require.Error(t, err)
}
