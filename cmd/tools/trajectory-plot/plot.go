package main

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/fieldpose/internal/db"
	"github.com/banshee-data/fieldpose/internal/estimator"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// track is one session's logged poses and vision measurements, both in
// time order.
type track struct {
	Session db.Session
	Poses   []db.PoseRow
	Vision  []db.VisionRow
}

// trackStats summarises a track.
type trackStats struct {
	Poses      int
	Vision     int
	Applied    int
	PathLength float64
	// ResidualMean and ResidualStdDev describe the distance between each
	// applied measurement and the logged pose nearest in time.
	ResidualMean   float64
	ResidualStdDev float64
}

// nearestPose returns the index of the pose closest in time to t, or -1.
func (tr track) nearestPose(t float64) int {
	n := len(tr.Poses)
	if n == 0 {
		return -1
	}
	i := sort.Search(n, func(i int) bool { return tr.Poses[i].T >= t })
	switch {
	case i == 0:
		return 0
	case i == n:
		return n - 1
	case t-tr.Poses[i-1].T <= tr.Poses[i].T-t:
		return i - 1
	default:
		return i
	}
}

func (tr track) Stats() trackStats {
	st := trackStats{Poses: len(tr.Poses), Vision: len(tr.Vision)}
	for i := 1; i < len(tr.Poses); i++ {
		a, b := tr.Poses[i-1], tr.Poses[i]
		st.PathLength += math.Hypot(b.X-a.X, b.Y-a.Y)
	}
	var residuals []float64
	for _, v := range tr.Vision {
		if v.Outcome != string(estimator.OutcomeApplied) {
			continue
		}
		st.Applied++
		if i := tr.nearestPose(v.T); i >= 0 {
			p := tr.Poses[i]
			residuals = append(residuals, math.Hypot(v.X-p.X, v.Y-p.Y))
		}
	}
	switch len(residuals) {
	case 0:
	case 1:
		st.ResidualMean = residuals[0]
	default:
		st.ResidualMean, st.ResidualStdDev = stat.MeanStdDev(residuals, nil)
	}
	return st
}

// splitVision separates applied measurements from the rest.
func (tr track) splitVision() (applied, rejected plotter.XYs) {
	for _, v := range tr.Vision {
		pt := plotter.XY{X: v.X, Y: v.Y}
		if v.Outcome == string(estimator.OutcomeApplied) {
			applied = append(applied, pt)
		} else {
			rejected = append(rejected, pt)
		}
	}
	return applied, rejected
}

// renderPNG draws the path with vision measurements overlaid.
func renderPNG(tr track, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session %s", tr.Session.ID)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	if len(tr.Poses) > 0 {
		pts := make(plotter.XYs, len(tr.Poses))
		for i, pose := range tr.Poses {
			pts[i] = plotter.XY{X: pose.X, Y: pose.Y}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("estimate", line)
	}

	applied, rejected := tr.splitVision()
	for _, series := range []struct {
		name  string
		pts   plotter.XYs
		color color.Color
		shape draw.GlyphDrawer
	}{
		{"vision applied", applied, color.RGBA{R: 44, G: 160, B: 44, A: 255}, draw.CircleGlyph{}},
		{"vision rejected", rejected, color.RGBA{R: 214, G: 39, B: 40, A: 255}, draw.CrossGlyph{}},
	} {
		if len(series.pts) == 0 {
			continue
		}
		sc, err := plotter.NewScatter(series.pts)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = series.color
		sc.GlyphStyle.Shape = series.shape
		sc.GlyphStyle.Radius = vg.Points(2.5)
		p.Add(sc)
		p.Legend.Add(series.name, sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(8*vg.Inch, 8*vg.Inch, path)
}

// renderHTML writes an interactive page with the path and the heading over
// time.
func renderHTML(tr track, w io.Writer) error {
	st := tr.Stats()

	pathData := make([]opts.ScatterData, len(tr.Poses))
	times := make([]string, len(tr.Poses))
	headings := make([]opts.LineData, len(tr.Poses))
	for i, p := range tr.Poses {
		pathData[i] = opts.ScatterData{Value: []any{p.X, p.Y, p.T}}
		times[i] = fmt.Sprintf("%.2f", p.T)
		headings[i] = opts.LineData{Value: p.Heading * 180 / math.Pi}
	}
	var appliedData, rejectedData []opts.ScatterData
	for _, v := range tr.Vision {
		pt := opts.ScatterData{Value: []any{v.X, v.Y, v.T}, Name: v.Source}
		if v.Outcome == string(estimator.OutcomeApplied) {
			appliedData = append(appliedData, pt)
		} else {
			rejectedData = append(rejectedData, pt)
		}
	}

	path := charts.NewScatter()
	path.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Trajectory", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Estimated path",
			Subtitle: fmt.Sprintf("session=%s poses=%d length=%.2fm vision=%d/%d", tr.Session.ID, st.Poses, st.PathLength, st.Applied, st.Vision),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	path.AddSeries("estimate", pathData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	path.AddSeries("vision applied", appliedData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	path.AddSeries("vision rejected", rejectedData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

	heading := charts.NewLine()
	heading.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "360px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Heading", Subtitle: "degrees"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
	)
	heading.SetXAxis(times).AddSeries("heading", headings)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(path, heading)
	return page.Render(w)
}
