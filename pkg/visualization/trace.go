package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	vgdraw "gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Trace is the per-iteration history of a chain.
type Trace struct {
	Iterations   []float64
	LogPosterior []float64
	AcceptRate   []float64

	// BurnIn marks the end of burn-in with a dashed line when positive
	BurnIn float64
}

// PlotTrace renders the log-posterior above the running acceptance rate.
func PlotTrace(title string, tr Trace, wPx, hPx float64) (image.Image, error) {
	n := len(tr.Iterations)
	if n == 0 || len(tr.LogPosterior) != n || len(tr.AcceptRate) != n {
		return nil, fmt.Errorf("trace series must be non-empty and of equal length")
	}

	post := plot.New()
	post.Title.Text = title
	post.Y.Label.Text = "log posterior"
	post.Add(plotter.NewGrid())
	if err := addSeries(post, tr.Iterations, tr.LogPosterior, color.RGBA{B: 255, A: 255}); err != nil {
		return nil, err
	}

	rate := plot.New()
	rate.X.Label.Text = "iteration"
	rate.Y.Label.Text = "acceptance rate"
	rate.Y.Min, rate.Y.Max = 0, 1
	rate.Add(plotter.NewGrid())
	if err := addSeries(rate, tr.Iterations, tr.AcceptRate, color.RGBA{G: 128, A: 255}); err != nil {
		return nil, err
	}

	if tr.BurnIn > 0 {
		for _, p := range []*plot.Plot{post, rate} {
			if err := addMarker(p, tr.BurnIn); err != nil {
				return nil, err
			}
		}
	}

	const dpi = 96
	width := vg.Length(wPx) * vg.Inch / dpi
	height := vg.Length(hPx) * vg.Inch / dpi

	c := vgimg.New(width, height)
	dc := vgdraw.New(c)
	tiles := vgdraw.Tiles{Rows: 2, Cols: 1, PadY: vg.Points(6)}
	canvases := plot.Align([][]*plot.Plot{{post}, {rate}}, tiles, dc)
	post.Draw(canvases[0][0])
	rate.Draw(canvases[1][0])

	return c.Image(), nil
}

func addSeries(p *plot.Plot, xs, ys []float64, col color.Color) error {
	pts := make(plotter.XYs, len(xs))
	for i := range xs {
		pts[i].X = xs[i]
		pts[i].Y = ys[i]
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = col
	p.Add(line)
	return nil
}

func addMarker(p *plot.Plot, x float64) error {
	vline, err := plotter.NewLine(plotter.XYs{{X: x, Y: p.Y.Min}, {X: x, Y: p.Y.Max}})
	if err != nil {
		return err
	}
	vline.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
	vline.Color = color.RGBA{R: 255, A: 255}
	p.Add(vline)
	return nil
}

// SaveTracePlot renders the trace and saves it as a PNG file.
func SaveTracePlot(filename, title string, tr Trace) (err error) {
	img, err := PlotTrace(title, tr, 960, 640)
	if err != nil {
		return err
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return png.Encode(f, img)
}
