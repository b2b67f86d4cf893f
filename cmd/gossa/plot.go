package main

import (
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/njchilds90/gossa/ssa"
)

// plotMeans draws the ensemble mean of every species over time with a
// 5th to 95th percentile band. The format follows the file extension.
func plotMeans(tr *ssa.Trajectory, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "time"
	p.Y.Label.Text = "copy number"
	p.Legend.Top = true

	for j, name := range tr.Species {
		mean := make(plotter.XYs, len(tr.Times))
		band := make(plotter.XYs, 0, 2*len(tr.Times))
		var lo, hi plotter.XYs
		for t, tv := range tr.Times {
			s, err := tr.Summary(t, j)
			if err != nil {
				return err
			}
			mean[t] = plotter.XY{X: tv, Y: s.Mean}
			lo = append(lo, plotter.XY{X: tv, Y: s.P5})
			hi = append(hi, plotter.XY{X: tv, Y: s.P95})
		}
		band = append(band, lo...)
		for i := len(hi) - 1; i >= 0; i-- {
			band = append(band, hi[i])
		}

		c := plotutil.Color(j)
		if tr.NumSims > 1 {
			poly, err := plotter.NewPolygon(band)
			if err != nil {
				return err
			}
			r, g, b, _ := c.RGBA()
			poly.Color = color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 0x40}
			poly.LineStyle.Width = 0
			p.Add(poly)
		}
		line, err := plotter.NewLine(mean)
		if err != nil {
			return err
		}
		line.Color = c
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
