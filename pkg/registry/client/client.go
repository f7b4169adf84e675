// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package client implements registry.Service on top of the registry REST API.
//
// Requests are authenticated with a bearer token, and scoped to an organization (workspace) with the
// "X-Organization" header. Responses other than 2xx are returned as *APIError, and 404 responses
// satisfy errors.Is(err, registry.ErrNotFound).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/gomlx/detpipe/pkg/registry/downloader"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultURL of the registry service.
const DefaultURL = "https://app.picsellia.com"

// DefaultPageSize is the number of assets listed per request.
const DefaultPageSize = 100

// UserAgent sent with every request.
const UserAgent = "detpipe/1.0"

// OrganizationHeader holds the organization name.
const OrganizationHeader = "X-Organization"

// Config for New.
type Config struct {
	// URL of the service. Default is DefaultURL.
	URL string

	// Token used to authenticate. Required.
	Token string

	// Organization (workspace) name. Optional, if empty the default organization of the token's user is used.
	Organization string

	// MaxParallelDownloads of assets. Default is downloader.DefaultMaxParallel.
	MaxParallelDownloads int

	// ShowProgress prints the aggregated download progress to stdout.
	ShowProgress bool

	// HTTPClient to use. Default is a client with a 5 minutes timeout.
	HTTPClient *http.Client
}

// Client implements registry.Service.
type Client struct {
	baseURL      *url.URL
	token        string
	organization string
	httpClient   *http.Client
	downloads    *downloader.Manager
	pageSize     int
}

// Assert Client is a registry.Service.
var _ registry.Service = (*Client)(nil)

// New creates a client with the given configuration.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("registry client requires an API token")
	}
	rawURL := cfg.URL
	if rawURL == "" {
		rawURL = DefaultURL
	}
	baseURL, err := url.Parse(strings.TrimSuffix(rawURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid registry URL %q", rawURL)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, errors.Errorf("invalid registry URL %q: scheme must be http or https", rawURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	downloads := downloader.New().
		WithHTTPClient(httpClient).
		WithAuthToken(cfg.Token).
		WithUserAgent(UserAgent)
	if cfg.Organization != "" {
		downloads.WithHeader(OrganizationHeader, cfg.Organization)
	}
	if cfg.MaxParallelDownloads != 0 {
		downloads.MaxParallel(cfg.MaxParallelDownloads)
	}
	if cfg.ShowProgress {
		downloads.WithProgressOutput(os.Stdout)
	}
	return &Client{
		baseURL:      baseURL,
		token:        cfg.Token,
		organization: cfg.Organization,
		httpClient:   httpClient,
		downloads:    downloads,
		pageSize:     DefaultPageSize,
	}, nil
}

// APIError is returned when the service responds with a non-2xx status.
type APIError struct {
	Method, Path string
	StatusCode   int
	Message      string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d (%s): %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Is makes 404 errors match registry.ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == registry.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// endpoint builds the URL for the path segments, each one escaped.
func (c *Client) endpoint(query url.Values, segments ...string) string {
	escaped := make([]string, len(segments))
	for ii, s := range segments {
		escaped[ii] = url.PathEscape(s)
	}
	u := *c.baseURL
	u.Path = path.Join("/", c.baseURL.Path, "api", path.Join(segments...))
	u.RawPath = path.Join("/", c.baseURL.EscapedPath(), "api", path.Join(escaped...))
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// resolve a URL returned by the service, which may be relative to the base URL.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URL %q returned by registry", ref)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request %s %s", method, endpoint)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.organization != "" {
		req.Header.Set(OrganizationHeader, c.organization)
	}
	return req, nil
}

// do sends the request, and decodes the JSON response into out, if out is not nil.
func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", req.Method, req.URL.Path)
	}
	defer func() { _ = resp.Body.Close() }()
	klog.V(2).Infof("%s %s: %s (%s)", req.Method, req.URL.Path, resp.Status, time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(req, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode response of %s %s", req.Method, req.URL.Path)
	}
	return nil
}

func newAPIError(req *http.Request, resp *http.Response) error {
	apiErr := &APIError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && (payload.Message != "" || payload.Detail != "") {
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Detail
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "failed to encode request for %s", endpoint)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// GetDatasetVersion implements registry.Service.
func (c *Client) GetDatasetVersion(ctx context.Context, id string) (*registry.DatasetVersion, error) {
	dataset := &registry.DatasetVersion{}
	if err := c.get(ctx, c.endpoint(nil, "dataset", "version", id), dataset); err != nil {
		return nil, errors.WithMessagef(err, "failed to get dataset version %q", id)
	}
	return dataset, nil
}

// ListLabels implements registry.Service.
func (c *Client) ListLabels(ctx context.Context, dataset *registry.DatasetVersion) ([]registry.Label, error) {
	var labels []registry.Label
	if err := c.get(ctx, c.endpoint(nil, "dataset", "version", dataset.ID, "labels"), &labels); err != nil {
		return nil, errors.WithMessagef(err, "failed to list labels of dataset %s", dataset)
	}
	return labels, nil
}

// remoteFile is the reference to a downloadable file, as returned by the service.
type remoteFile struct {
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// localPath validates the file name returned by the service and joins it to dir.
func (f remoteFile) localPath(dir string) (string, error) {
	if f.Filename == "" || f.Filename != filepath.Base(f.Filename) || f.Filename == ".." || f.Filename == "." {
		return "", errors.Errorf("registry returned an invalid file name %q", f.Filename)
	}
	return filepath.Join(dir, f.Filename), nil
}

type assetsPage struct {
	Items []remoteFile `json:"items"`
	Count int          `json:"count"`
}

// DownloadAssets implements registry.Service.
// Assets are listed in pages, and then downloaded in parallel.
func (c *Client) DownloadAssets(ctx context.Context, dataset *registry.DatasetVersion, dir string) (int, error) {
	var jobs []downloader.Job
	for offset := 0; ; {
		query := url.Values{"offset": {fmt.Sprint(offset)}, "limit": {fmt.Sprint(c.pageSize)}}
		var page assetsPage
		if err := c.get(ctx, c.endpoint(query, "dataset", "version", dataset.ID, "assets"), &page); err != nil {
			return 0, errors.WithMessagef(err, "failed to list assets of dataset %s", dataset)
		}
		for _, asset := range page.Items {
			filePath, err := asset.localPath(dir)
			if err != nil {
				return 0, err
			}
			assetURL, err := c.resolve(asset.URL)
			if err != nil {
				return 0, err
			}
			jobs = append(jobs, downloader.Job{URL: assetURL, FilePath: filePath})
		}
		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.Count {
			break
		}
	}
	klog.Infof("downloading %d assets of dataset %s to %q", len(jobs), dataset, dir)
	if _, err := c.downloads.DownloadAll(ctx, jobs); err != nil {
		return 0, errors.WithMessagef(err, "failed to download assets of dataset %s", dataset)
	}
	return len(jobs), nil
}

// ExportAnnotations implements registry.Service.
func (c *Client) ExportAnnotations(ctx context.Context, dataset *registry.DatasetVersion, format registry.AnnotationFormat, dir string) (string, error) {
	var exported remoteFile
	err := c.post(ctx, c.endpoint(nil, "dataset", "version", dataset.ID, "annotations", "export"),
		map[string]any{"format": format}, &exported)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to export %s annotations of dataset %s", format, dataset)
	}
	filePath, err := c.fetch(ctx, exported, dir)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to download %s annotations of dataset %s", format, dataset)
	}
	return filePath, nil
}

// fetch downloads the remote file into dir.
func (c *Client) fetch(ctx context.Context, f remoteFile, dir string) (string, error) {
	filePath, err := f.localPath(dir)
	if err != nil {
		return "", err
	}
	fileURL, err := c.resolve(f.URL)
	if err != nil {
		return "", err
	}
	if _, err = c.downloads.Download(ctx, fileURL, filePath, nil); err != nil {
		return "", err
	}
	return filePath, nil
}

type project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *Client) getOrCreateProject(ctx context.Context, name string) (*project, error) {
	p := &project{}
	err := c.get(ctx, c.endpoint(url.Values{"name": {name}}, "project"), p)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}
	klog.Infof("creating project %q", name)
	if err = c.post(ctx, c.endpoint(nil, "project"), map[string]string{"name": name}, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetOrCreateExperiment implements registry.Service.
func (c *Client) GetOrCreateExperiment(ctx context.Context, projectName, name, description string) (*registry.Experiment, bool, error) {
	p, err := c.getOrCreateProject(ctx, projectName)
	if err != nil {
		return nil, false, errors.WithMessagef(err, "failed to get project %q", projectName)
	}
	exp := &registry.Experiment{}
	err = c.get(ctx, c.endpoint(url.Values{"name": {name}}, "project", p.ID, "experiments"), exp)
	if err == nil {
		exp.ProjectName = p.Name
		return exp, false, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return nil, false, errors.WithMessagef(err, "failed to get experiment %q in project %q", name, projectName)
	}
	err = c.post(ctx, c.endpoint(nil, "project", p.ID, "experiments"),
		map[string]string{"name": name, "description": description}, exp)
	if err != nil {
		return nil, false, errors.WithMessagef(err, "failed to create experiment %q in project %q", name, projectName)
	}
	exp.ProjectName = p.Name
	return exp, true, nil
}

// AttachDataset implements registry.Service.
func (c *Client) AttachDataset(ctx context.Context, experiment *registry.Experiment, alias string, dataset *registry.DatasetVersion) error {
	err := c.post(ctx, c.endpoint(nil, "experiment", experiment.ID, "datasets"),
		map[string]string{"alias": alias, "dataset_version_id": dataset.ID}, nil)
	if err != nil {
		return errors.WithMessagef(err, "failed to attach dataset %s to experiment %s", dataset, experiment)
	}
	return nil
}

// ListAttachedDatasets implements registry.Service.
func (c *Client) ListAttachedDatasets(ctx context.Context, experiment *registry.Experiment) ([]*registry.DatasetVersion, error) {
	var datasets []*registry.DatasetVersion
	if err := c.get(ctx, c.endpoint(nil, "experiment", experiment.ID, "datasets"), &datasets); err != nil {
		return nil, errors.WithMessagef(err, "failed to list datasets of experiment %s", experiment)
	}
	return datasets, nil
}

// GetModel implements registry.Service.
func (c *Client) GetModel(ctx context.Context, name string) (*registry.Model, error) {
	model := &registry.Model{}
	if err := c.get(ctx, c.endpoint(url.Values{"name": {name}}, "model"), model); err != nil {
		return nil, errors.WithMessagef(err, "failed to get model %q", name)
	}
	return model, nil
}

// CreateModelVersion implements registry.Service.
func (c *Client) CreateModelVersion(ctx context.Context, model *registry.Model, name string, labels map[string]string) (*registry.ModelVersion, error) {
	version := &registry.ModelVersion{}
	err := c.post(ctx, c.endpoint(nil, "model", model.ID, "versions"), map[string]any{
		"name":      name,
		"labels":    labels,
		"type":      registry.ModelTypeObjectDetection,
		"framework": registry.FrameworkONNX,
	}, version)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create version %q of model %q", name, model.Name)
	}
	return version, nil
}

// ListModelVersions implements registry.Service.
func (c *Client) ListModelVersions(ctx context.Context, model *registry.Model) ([]*registry.ModelVersion, error) {
	var versions []*registry.ModelVersion
	if err := c.get(ctx, c.endpoint(nil, "model", model.ID, "versions"), &versions); err != nil {
		return nil, errors.WithMessagef(err, "failed to list versions of model %q", model.Name)
	}
	slices.SortFunc(versions, func(a, b *registry.ModelVersion) int { return a.Version - b.Version })
	return versions, nil
}

// DownloadArtifact implements registry.Service.
func (c *Client) DownloadArtifact(ctx context.Context, version *registry.ModelVersion, name, dir string) (string, error) {
	var artifact remoteFile
	if err := c.get(ctx, c.endpoint(nil, "model", "version", version.ID, "files", name), &artifact); err != nil {
		return "", errors.WithMessagef(err, "failed to get artifact %q of model version %q", name, version.Name)
	}
	filePath, err := c.fetch(ctx, artifact, dir)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to download artifact %q of model version %q", name, version.Name)
	}
	return filePath, nil
}

// Log implements registry.Service.
func (c *Client) Log(ctx context.Context, experiment *registry.Experiment, name string, value any, logType registry.LogType) error {
	err := c.post(ctx, c.endpoint(nil, "experiment", experiment.ID, "logs"),
		map[string]any{"name": name, "data": value, "type": logType}, nil)
	if err != nil {
		return errors.WithMessagef(err, "failed to log %q to experiment %s", name, experiment)
	}
	return nil
}

// LogParameters implements registry.Service.
func (c *Client) LogParameters(ctx context.Context, experiment *registry.Experiment, params map[string]any) error {
	err := c.post(ctx, c.endpoint(nil, "experiment", experiment.ID, "parameters"),
		map[string]any{"parameters": params}, nil)
	if err != nil {
		return errors.WithMessagef(err, "failed to log parameters to experiment %s", experiment)
	}
	return nil
}
