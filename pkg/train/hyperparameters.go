// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/pkg/errors"
)

// Hyperparameters of a training run.
type Hyperparameters struct {
	// Model is the base model (pretrained weights or a model configuration) to fine-tune.
	Model string `yaml:"model" json:"model" koanf:"model"`

	Epochs       int     `yaml:"epochs" json:"epochs" koanf:"epochs"`
	Batch        int     `yaml:"batch" json:"batch" koanf:"batch"`
	ImageSize    int     `yaml:"imgsz" json:"imgsz" koanf:"imgsz"`
	Patience     int     `yaml:"patience" json:"patience" koanf:"patience"`
	Optimizer    string  `yaml:"optimizer" json:"optimizer" koanf:"optimizer"`
	LR0          float64 `yaml:"lr0" json:"lr0" koanf:"lr0"`
	LRF          float64 `yaml:"lrf" json:"lrf" koanf:"lrf"`
	Momentum     float64 `yaml:"momentum" json:"momentum" koanf:"momentum"`
	WeightDecay  float64 `yaml:"weight_decay" json:"weight_decay" koanf:"weight_decay"`
	WarmupEpochs float64 `yaml:"warmup_epochs" json:"warmup_epochs" koanf:"warmup_epochs"`
	CloseMosaic  int     `yaml:"close_mosaic" json:"close_mosaic" koanf:"close_mosaic"`
	Seed         int64   `yaml:"seed" json:"seed" koanf:"seed"`

	// Device to train on: "" selects automatically, otherwise "cpu", "0", "0,1", "mps", etc.
	Device string `yaml:"device" json:"device" koanf:"device"`
}

// DefaultHyperparameters returns the hyperparameters used if none are configured.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		Model:        "yolo11n.pt",
		Epochs:       100,
		Batch:        16,
		ImageSize:    640,
		Patience:     20,
		Optimizer:    "AdamW",
		LR0:          0.001,
		LRF:          0.01,
		Momentum:     0.937,
		WeightDecay:  0.0005,
		WarmupEpochs: 3,
		CloseMosaic:  10,
		Seed:         42,
	}
}

// Optimizers accepted by the trainer.
var Optimizers = []string{"SGD", "Adam", "Adamax", "AdamW", "NAdam", "RAdam", "RMSProp", "auto"}

// Validate checks the hyperparameters are within range.
func (h *Hyperparameters) Validate() error {
	switch {
	case h.Model == "":
		return errors.New("hyperparameters: model is required")
	case h.Epochs <= 0:
		return errors.Errorf("hyperparameters: epochs must be > 0, got %d", h.Epochs)
	case h.Batch == 0 || h.Batch < -1:
		return errors.Errorf("hyperparameters: batch must be > 0 (or -1 for automatic), got %d", h.Batch)
	case h.ImageSize <= 0 || h.ImageSize%32 != 0:
		return errors.Errorf("hyperparameters: imgsz must be a positive multiple of 32, got %d", h.ImageSize)
	case h.Patience < 0:
		return errors.Errorf("hyperparameters: patience must be >= 0, got %d", h.Patience)
	case !slices.Contains(Optimizers, h.Optimizer):
		return errors.Errorf("hyperparameters: unknown optimizer %q, valid values are %q", h.Optimizer, Optimizers)
	case h.LR0 <= 0:
		return errors.Errorf("hyperparameters: lr0 must be > 0, got %g", h.LR0)
	case h.LRF <= 0 || h.LRF > 1:
		return errors.Errorf("hyperparameters: lrf must be in (0, 1], got %g", h.LRF)
	case h.Momentum < 0 || h.Momentum >= 1:
		return errors.Errorf("hyperparameters: momentum must be in [0, 1), got %g", h.Momentum)
	case h.WeightDecay < 0:
		return errors.Errorf("hyperparameters: weight_decay must be >= 0, got %g", h.WeightDecay)
	case h.WarmupEpochs < 0:
		return errors.Errorf("hyperparameters: warmup_epochs must be >= 0, got %g", h.WarmupEpochs)
	case h.CloseMosaic < 0:
		return errors.Errorf("hyperparameters: close_mosaic must be >= 0, got %d", h.CloseMosaic)
	}
	return nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// Args renders the hyperparameters as the trainer's "key=value" command line arguments, in a fixed order.
// The device is omitted if empty.
func (h *Hyperparameters) Args() []string {
	args := []string{
		"model=" + h.Model,
		fmt.Sprintf("epochs=%d", h.Epochs),
		fmt.Sprintf("batch=%d", h.Batch),
		fmt.Sprintf("imgsz=%d", h.ImageSize),
		fmt.Sprintf("patience=%d", h.Patience),
		"optimizer=" + h.Optimizer,
		"lr0=" + formatFloat(h.LR0),
		"lrf=" + formatFloat(h.LRF),
		"momentum=" + formatFloat(h.Momentum),
		"weight_decay=" + formatFloat(h.WeightDecay),
		"warmup_epochs=" + formatFloat(h.WarmupEpochs),
		fmt.Sprintf("close_mosaic=%d", h.CloseMosaic),
		fmt.Sprintf("seed=%d", h.Seed),
	}
	if h.Device != "" {
		args = append(args, "device="+h.Device)
	}
	return args
}

// AsMap returns the hyperparameters by name, to be logged as experiment parameters.
func (h *Hyperparameters) AsMap() map[string]any {
	return map[string]any{
		"model":         h.Model,
		"epochs":        h.Epochs,
		"batch":         h.Batch,
		"imgsz":         h.ImageSize,
		"patience":      h.Patience,
		"optimizer":     h.Optimizer,
		"lr0":           h.LR0,
		"lrf":           h.LRF,
		"momentum":      h.Momentum,
		"weight_decay":  h.WeightDecay,
		"warmup_epochs": h.WarmupEpochs,
		"close_mosaic":  h.CloseMosaic,
		"seed":          h.Seed,
		"device":        h.Device,
	}
}
