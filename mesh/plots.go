package mesh

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// plotToFile creates a titled plot, fills it with draw and saves it. The
// format follows the file extension (png, svg, pdf).
func plotToFile(path, title, xTitle, yTitle string, draw func(*plot.Plot) error) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xTitle
	p.Y.Label.Text = yTitle
	if err := draw(p); err != nil {
		return errors.Wrapf(err, "drawing %s", title)
	}
	if err := p.Save(16*vg.Centimeter, 10*vg.Centimeter, path); err != nil {
		return errors.Wrapf(ErrIO, "saving plot %s: %v", path, err)
	}
	return nil
}

// PlotICPResiduals draws the per-iteration RMSE of every refined pair, one
// line per pair.
func PlotICPResiduals(pairs []PairResult, path string) error {
	var refined []PairResult
	for _, r := range pairs {
		if r.Refined != nil && len(r.Refined.Residuals) > 0 {
			refined = append(refined, r)
		}
	}
	if len(refined) == 0 {
		return errors.New("no refined pairs to plot")
	}

	palette := FramePalette(len(refined))
	return plotToFile(path, "ICP residuals", "iteration", "RMSE", func(p *plot.Plot) error {
		p.Legend.Top = true
		for k, r := range refined {
			pts := make(plotter.XYs, len(r.Refined.Residuals))
			for i, v := range r.Refined.Residuals {
				pts[i] = plotter.XY{X: float64(i + 1), Y: v}
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return errors.Wrapf(err, "pair %d-%d", r.From, r.To)
			}
			line.Width = vg.Points(1)
			line.Color = palette[k]
			p.Add(line)
			p.Legend.Add(fmt.Sprintf("%d-%d", r.From, r.To), line)
		}
		return nil
	})
}

// PlotInlierRatios draws one bar per registered pair of the summary.
// Failed pairs show as zero.
func PlotInlierRatios(s RunSummary, path string) error {
	if len(s.Pairs) == 0 {
		return errors.New("no pairs to plot")
	}
	values := make(plotter.Values, len(s.Pairs))
	names := make([]string, len(s.Pairs))
	for i, m := range s.Pairs {
		names[i] = fmt.Sprintf("%d-%d", m.From, m.To)
		if m.Error == "" {
			values[i] = m.InlierRatio
		}
	}
	return plotToFile(path, fmt.Sprintf("Inlier ratio (%s)", s.Method), "pair", "inlier ratio", func(p *plot.Plot) error {
		bars, err := plotter.NewBarChart(values, vg.Points(12))
		if err != nil {
			return err
		}
		bars.Color = FramePalette(1)[0]
		bars.LineStyle.Width = 0
		p.Add(bars)
		p.NominalX(names...)
		p.Y.Min = 0
		p.Y.Max = 1
		return nil
	})
}
