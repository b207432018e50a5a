package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/framesync/internal/httputil"
)

const histogramBins = 30

// latencyChart renders the windowed latencies and match counts as an
// echarts page.
func (s *Server) latencyChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	stats := s.sync.Stats()
	latencies := stats.Latencies()
	summary := stats.Latency()
	counters := stats.Counters()

	x := make([]int, len(latencies))
	y := make([]opts.LineData, len(latencies))
	for i, v := range latencies {
		x[i] = i + 1
		y[i] = opts.LineData{Value: v}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Frame latency", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title: "Exposure to delivery latency",
			Subtitle: fmt.Sprintf("n=%d mean=%.1fms p50=%.1fms p95=%.1fms at %s",
				summary.Samples, summary.MeanMs, summary.P50Ms, summary.P95Ms, time.Now().Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "match", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "latency (ms)", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(x).AddSeries("latency", y)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Frames by outcome"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis([]string{"PAST", "FUTURE", "UNMATCHED", "SKIPPED"}).
		AddSeries("frames", []opts.BarData{
			{Value: counters.MatchedPast},
			{Value: counters.MatchedFuture},
			{Value: counters.Unmatched},
			{Value: counters.Skipped},
		}, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	page := components.NewPage()
	page.AddCharts(line, bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// latencyHistogram renders the windowed latencies as a PNG histogram.
func (s *Server) latencyHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	latencies := s.sync.Stats().Latencies()
	if len(latencies) == 0 {
		httputil.NotFound(w, "no latency samples yet")
		return
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Frame latency (n=%d)", len(latencies))
	p.X.Label.Text = "latency (ms)"
	p.Y.Label.Text = "frames"

	hist, err := plotter.NewHist(plotter.Values(latencies), histogramBins)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("histogram error: %v", err))
		return
	}
	p.Add(hist)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
