package gbdt

import (
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// PlotMetric draws one recorded metric against the iteration number, one
// line per dataset. An empty metric selects the first recorded one.
func (b *Booster) PlotMetric(metric string) (*plot.Plot, error) {
	datasets := sortedKeys(map[string]map[string][]float64(b.history))
	if len(datasets) == 0 {
		return nil, errors.NewValueError("gbdt.PlotMetric", "no evaluation results were recorded")
	}
	if metric == "" {
		names := sortedKeys(b.history[datasets[0]])
		if len(names) == 0 {
			return nil, errors.NewValueError("gbdt.PlotMetric", "no evaluation results were recorded")
		}
		metric = names[0]
	}
	metric = canonicalMetric(metric)

	p := plot.New()
	p.Title.Text = "Metric during training"
	p.X.Label.Text = "Iterations"
	p.Y.Label.Text = metric
	p.Add(plotter.NewGrid())

	drawn := 0
	for _, data := range datasets {
		values, ok := b.history[data][metric]
		if !ok {
			continue
		}
		xys := make(plotter.XYs, len(values))
		for i, v := range values {
			xys[i].X = float64(i + 1)
			xys[i].Y = v
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "gbdt: plot %s on %s", metric, data)
		}
		line.Color = plotutil.Color(drawn)
		p.Add(line)
		p.Legend.Add(data, line)
		drawn++
	}
	if drawn == 0 {
		return nil, errors.NewValueError("gbdt.PlotMetric", "metric "+metric+" was not recorded")
	}
	return p, nil
}
