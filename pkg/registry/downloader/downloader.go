// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader implements download in parallel of various URLs, with progress report.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// TempSuffix is appended to the path of files being downloaded. They are renamed to their final path once
// the download finishes successfully.
const TempSuffix = ".downloading"

// DefaultMaxParallel is the default number of files downloaded at the same time.
const DefaultMaxParallel = 20

// ProgressCallback is called as download progresses.
//
// totalBytes may be set to 0 if total size is not yet known.
type ProgressCallback func(downloadedBytes, totalBytes int64)

// CancellationError is returned (wrapped) if the context is cancelled during a download.
var CancellationError = errors.New("download cancelled")

// StatusError is returned when the server responds with a status other than 200 (OK).
type StatusError struct {
	URL        string
	StatusCode int
	Message    string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("downloading %q: bad status code %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("downloading %q: bad status code %d: %q", e.URL, e.StatusCode, e.Message)
}

// Manager handles downloads, reporting back progress and errors.
type Manager struct {
	client               *http.Client
	maxParallel          int
	authToken, userAgent string
	headers              http.Header
	progressOutput       io.Writer
}

// New creates a Manager that downloads files in parallel, by default DefaultMaxParallel at a time.
func New() *Manager {
	return &Manager{client: http.DefaultClient, maxParallel: DefaultMaxParallel}
}

// MaxParallel indicates how many files DownloadAll fetches at the same time. Default is 20.
// If set to <= 0 it will download all files in parallel.
// Set to 1 to make downloads sequential.
func (m *Manager) MaxParallel(n int) *Manager {
	m.maxParallel = n
	return m
}

// WithAuthToken sets the authentication token to use in the requests.
// It is passed in the header "Authorization" and prefixed with "Bearer ".
func (m *Manager) WithAuthToken(authToken string) *Manager {
	m.authToken = authToken
	return m
}

// WithUserAgent sets the user agent to use.
func (m *Manager) WithUserAgent(userAgent string) *Manager {
	m.userAgent = userAgent
	return m
}

// WithHeader adds a header sent with every request.
func (m *Manager) WithHeader(key, value string) *Manager {
	if m.headers == nil {
		m.headers = make(http.Header)
	}
	m.headers.Set(key, value)
	return m
}

// WithHTTPClient sets the HTTP client used for the requests. Default is http.DefaultClient.
func (m *Manager) WithHTTPClient(client *http.Client) *Manager {
	m.client = client
	return m
}

// WithProgressOutput sets where DownloadAll prints its aggregated progress. Default is nil (no progress printed).
func (m *Manager) WithProgressOutput(w io.Writer) *Manager {
	m.progressOutput = w
	return m
}

type progressWriter struct {
	w                 io.Writer
	downloaded, total int64
	callback          ProgressCallback
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.downloaded += int64(n)
	if pw.callback != nil {
		pw.callback(pw.downloaded, pw.total)
	}
	return n, err
}

// Download url to filePath, blocking until it is finished. It returns the number of bytes downloaded.
//
// The contents are written to filePath+TempSuffix and renamed to filePath at the end, so filePath only
// exists if the download completed. On error the temporary file is removed.
//
// If ctx is cancelled, it returns an error wrapping CancellationError.
func (m *Manager) Download(ctx context.Context, url, filePath string, callback ProgressCallback) (downloaded int64, err error) {
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return 0, err
	}
	if err = fsutil.EnsureDir(filepath.Dir(filePath)); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating request for %q", url)
	}
	for key, values := range m.headers {
		req.Header[key] = values
	}
	if m.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.authToken)
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}
	klog.V(2).Infof("downloading %q to %q", url, filePath)
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, m.downloadError(ctx, err, url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{URL: url, StatusCode: resp.StatusCode, Message: resp.Header.Get("X-Error-Message")}
	}

	tmpPath := filePath + TempSuffix
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", tmpPath)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	contentLength := max(resp.ContentLength, 0)
	if callback != nil {
		callback(0, contentLength)
	}
	pw := &progressWriter{w: file, total: contentLength, callback: callback}
	if _, err = io.Copy(pw, resp.Body); err != nil {
		_ = file.Close()
		return pw.downloaded, m.downloadError(ctx, err, url)
	}
	if err = file.Close(); err != nil {
		return pw.downloaded, errors.Wrapf(err, "failed closing file %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return pw.downloaded, errors.Wrapf(err, "failed to rename file %q", tmpPath)
	}
	return pw.downloaded, nil
}

func (m *Manager) downloadError(ctx context.Context, err error, url string) error {
	if ctx.Err() != nil {
		return errors.Wrapf(CancellationError, "%q: %v", url, ctx.Err())
	}
	return errors.Wrapf(err, "failed downloading %q", url)
}

// Job is one file to download with DownloadAll.
type Job struct {
	URL, FilePath string
}

// DownloadAll downloads all jobs, at most MaxParallel at a time, and returns the total number of bytes
// downloaded. Files that already exist are skipped.
//
// The first error cancels the remaining downloads and is returned.
func (m *Manager) DownloadAll(ctx context.Context, jobs []Job) (int64, error) {
	var pending []Job
	for _, job := range jobs {
		exists, err := fsutil.FileExists(job.FilePath)
		if err != nil {
			return 0, err
		}
		if exists {
			klog.V(2).Infof("%q already downloaded, skipping", job.FilePath)
			continue
		}
		pending = append(pending, job)
	}

	var mu sync.Mutex
	var allFilesBytes int64
	numFinished := 0
	busyLoop := `-\|/`
	busyLoopPos := 0
	lastPrintTime := time.Now()
	printProgress := func(force bool) {
		// Called with mu locked.
		if m.progressOutput == nil || (!force && time.Since(lastPrintTime) < time.Second) {
			return
		}
		_, _ = fmt.Fprintf(m.progressOutput, "\rDownloaded %d/%d files %c %s downloaded    ",
			numFinished, len(pending), busyLoop[busyLoopPos], humanize.Bytes(uint64(allFilesBytes)))
		busyLoopPos = (busyLoopPos + 1) % len(busyLoop)
		lastPrintTime = time.Now()
	}

	g, gCtx := errgroup.WithContext(ctx)
	if m.maxParallel > 0 {
		g.SetLimit(m.maxParallel)
	}
	for _, job := range pending {
		g.Go(func() error {
			var previous int64
			_, err := m.Download(gCtx, job.URL, job.FilePath, func(downloadedBytes, _ int64) {
				mu.Lock()
				defer mu.Unlock()
				allFilesBytes += downloadedBytes - previous
				previous = downloadedBytes
				printProgress(false)
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				numFinished++
				printProgress(numFinished == len(pending))
			}
			return err
		})
	}
	err := g.Wait()
	if m.progressOutput != nil && len(pending) > 0 {
		_, _ = fmt.Fprintln(m.progressOutput)
	}
	if err != nil {
		return allFilesBytes, err
	}
	return allFilesBytes, nil
}
