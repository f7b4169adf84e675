// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StoreArtifact implements registry.Service.
//
// The file is streamed as a multipart/form-data request, with the fields "name" and "file".
func (c *Client) StoreArtifact(ctx context.Context, version *registry.ModelVersion, name, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open artifact %q", filePath)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat artifact %q", filePath)
	}

	pr, pw := io.Pipe()
	defer func() { _ = pr.Close() }()
	mw := multipart.NewWriter(pw)
	go func() {
		err := mw.WriteField("name", name)
		if err == nil {
			var part io.Writer
			part, err = mw.CreateFormFile("file", filepath.Base(filePath))
			if err == nil {
				_, err = io.Copy(part, f)
			}
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(nil, "model", "version", version.ID, "files"), pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	klog.Infof("uploading artifact %q (%s) to model version %q", name, humanize.Bytes(uint64(info.Size())), version.Name)
	if err = c.do(req, nil); err != nil {
		return errors.WithMessagef(err, "failed to store artifact %q in model version %q", name, version.Name)
	}
	return nil
}
