// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inference runs the latest trained model version on a webcam stream, an image or a video.
package inference

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/detpipe/pkg/dataset/yolo"
	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/gomlx/detpipe/pkg/registry/downloader"
	"github.com/gomlx/detpipe/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode of inference: it defines the source of the images.
type Mode int

const (
	ModeWebcam Mode = iota
	ModeImage
	ModeVideo
)

var modeNames = []string{"WEBCAM", "IMAGE", "VIDEO"}

// Modes lists the valid modes.
var Modes = []Mode{ModeWebcam, ModeImage, ModeVideo}

func (m Mode) String() string {
	if int(m) < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode parses the mode name, case-insensitive.
func ParseMode(s string) (Mode, error) {
	for ii, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(ii), nil
		}
	}
	return ModeWebcam, errors.Errorf("invalid inference mode %q, valid values are %q", s, modeNames)
}

// Request for an inference run.
type Request struct {
	Mode Mode

	// Path to the image or video file. Not used for ModeWebcam.
	Path string

	// Camera index for ModeWebcam.
	Camera int
}

// Validate the request: the errors returned are meant for the end user.
func (r Request) Validate() error {
	switch r.Mode {
	case ModeWebcam:
		return nil
	case ModeImage, ModeVideo:
		name := strings.ToLower(r.Mode.String())
		if r.Path == "" {
			return errors.Errorf("--path is required for inference on %s", withArticle[r.Mode])
		}
		exists, err := fsutil.FileExists(r.Path)
		if err != nil {
			return err
		}
		if !exists {
			return errors.Errorf("the %s file %q does not exist", name, r.Path)
		}
		return nil
	default:
		return errors.Errorf("invalid inference mode %s", r.Mode)
	}
}

var withArticle = map[Mode]string{ModeImage: "an image", ModeVideo: "a video"}

// source argument passed to the predictor.
func (r Request) source() (string, error) {
	if r.Mode == ModeWebcam {
		return strconv.Itoa(r.Camera), nil
	}
	return fsutil.AbsDir(r.Path)
}

// Predictor runs a model on a source of images. It's implemented by yolocli.Trainer.
type Predictor interface {
	Predict(ctx context.Context, weights, source, device string) error
}

// ArtifactName is the name of the model version file with the weights to use.
const ArtifactName = "best"

// Runner fetches the latest version of a model and runs it.
type Runner struct {
	Service   registry.Service
	Predictor Predictor

	// ModelName in the registry.
	ModelName string

	// CacheDir where downloaded weights are kept, in sub-directories per model version.
	CacheDir string

	// Device to run on, e.g.: "cuda", "cpu". Empty for automatic selection.
	Device string
}

// Weights returns the path to the weights of the latest version of the model, downloading them if they
// are not in the cache yet.
func (r *Runner) Weights(ctx context.Context) (string, error) {
	version, err := registry.LatestVersionOf(ctx, r.Service, r.ModelName)
	if err != nil {
		return "", err
	}
	cacheDir, err := fsutil.ReplaceTildeInDir(r.CacheDir)
	if err != nil {
		return "", err
	}
	versionDir := filepath.Join(cacheDir, r.ModelName, fmt.Sprintf("v%d", version.Version))
	cached, err := cachedWeights(versionDir)
	if err != nil {
		return "", err
	}
	if cached != "" {
		klog.V(1).Infof("using cached weights %q of model %s version %d", cached, r.ModelName, version.Version)
		return cached, nil
	}
	if err = fsutil.EnsureDir(versionDir); err != nil {
		return "", err
	}
	weights, err := r.Service.DownloadArtifact(ctx, version, ArtifactName, versionDir)
	if err != nil {
		return "", errors.WithMessagef(err, "downloading weights of model %s version %d", r.ModelName, version.Version)
	}
	klog.Infof("downloaded weights of model %s version %d to %q", r.ModelName, version.Version, weights)
	return weights, nil
}

// cachedWeights returns the weights file in versionDir, or "" if there is none. Partial downloads are ignored.
func cachedWeights(versionDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(versionDir, ArtifactName+".*"))
	if err != nil {
		return "", errors.Wrapf(err, "failed to list cache directory %q", versionDir)
	}
	for _, match := range matches {
		if !strings.HasSuffix(match, downloader.TempSuffix) {
			return match, nil
		}
	}
	return "", nil
}

// Run validates the request, fetches the weights and runs the prediction, which blocks until the user closes it.
func (r *Runner) Run(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	source, err := req.source()
	if err != nil {
		return err
	}
	if req.Mode == ModeImage {
		size, err := yolo.VerifyImage(source)
		if err != nil {
			return err
		}
		klog.Infof("running inference on image %q (%dx%d)", source, size.X, size.Y)
	}
	weights, err := r.Weights(ctx)
	if err != nil {
		return err
	}
	return r.Predictor.Predict(ctx, weights, source, r.Device)
}
