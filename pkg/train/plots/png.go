// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"k8s.io/klog/v2"
)

// Size of each of the plots (one per metric type) in the image.
var (
	PlotWidth  = 10 * vg.Inch
	PlotHeight = 4 * vg.Inch
)

// newPlot creates a plot with one line per metric of the given type.
func (points Points) newPlot(metricType string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = metricType
	p.X.Label.Text = "epoch"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	var lines []any
	for _, name := range points.MetricsNames() {
		var xys plotter.XYs
		points.Map(func(pt *Point) {
			if pt.MetricName == name && pt.MetricType == metricType {
				xys = append(xys, plotter.XY{X: pt.Step, Y: pt.Value})
			}
		})
		if len(xys) > 0 {
			lines = append(lines, name, xys)
		}
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return nil, errors.Wrapf(err, "failed to plot %q metrics", metricType)
	}
	return p, nil
}

// SavePNG renders the points as a PNG image with one plot per metric type, stacked vertically.
func SavePNG(points Points, filePath string) error {
	metricTypes := points.MetricTypes()
	if len(metricTypes) == 0 {
		return errors.Errorf("no points to plot in %q", filePath)
	}
	plots := make([][]*plot.Plot, len(metricTypes))
	for ii, metricType := range metricTypes {
		p, err := points.newPlot(metricType)
		if err != nil {
			return err
		}
		plots[ii] = []*plot.Plot{p}
	}

	img := vgimg.New(PlotWidth, vg.Length(len(plots))*PlotHeight)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      len(plots),
		Cols:      1,
		PadY:      vg.Centimeter,
		PadTop:    vg.Millimeter * 5,
		PadBottom: vg.Millimeter * 5,
		PadLeft:   vg.Millimeter * 5,
		PadRight:  vg.Millimeter * 5,
	}
	canvases := plot.Align(plots, tiles, dc)
	for ii := range plots {
		plots[ii][0].Draw(canvases[ii][0])
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create image file %q", filePath)
	}
	if _, err = (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write image file %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close image file %q", filePath)
	}
	klog.V(1).Infof("saved plots of %d metric types to %q", len(metricTypes), filePath)
	return nil
}
