package dispatch

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mindlink/internal/httputil"
)

// AttachAdminRoutes mounts the pipeline debug pages under /debug/.
func (d *Dispatcher) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Pipeline "+d.cfg.Name, func() any {
		s := d.Stats()
		return fmt.Sprintf("%s windows=%d published=%d errors=%d", s.State, s.Windows, s.Published, s.ClassifierErrors)
	})
	debug.HandleFunc("pipeline", "Pipeline state and counters (JSON)", d.handleStats)
	debug.HandleFunc("segment.png", "Last preprocessed segment (?band=N)", d.handleSegmentPNG)
	debug.HandleFunc("probabilities", "Recent class probabilities", d.handleProbabilities)
}

func (d *Dispatcher) handleStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, d.Stats())
}

var channelColors = []color.RGBA{
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
	{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
	{R: 0xe3, G: 0x77, B: 0xc2, A: 0xff},
	{R: 0x7f, G: 0x7f, B: 0x7f, A: 0xff},
}

func (d *Dispatcher) handleSegmentPNG(w http.ResponseWriter, r *http.Request) {
	seg := d.LastSegment()
	if seg == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no segment yet")
		return
	}
	band, err := httputil.QueryInt(r, "band", 0, 0, len(seg.Data)-1)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	m := seg.Data[band]
	rows, cols := m.Dims()
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s segment", d.cfg.Name)
	if len(seg.Bands) > 0 {
		p.Title.Text += " (" + seg.Bands[band] + ")"
	}
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = "amplitude"
	p.Legend.Top = true

	channels := d.cfg.Channels
	for c := 0; c < rows; c++ {
		pts := make(plotter.XYs, cols)
		for t := 0; t < cols; t++ {
			pts[t] = plotter.XY{X: float64(t) / d.cfg.SampleRate, Y: m.At(c, t)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			http.Error(w, fmt.Sprintf("plot error: %v", err), http.StatusInternalServerError)
			return
		}
		line.Color = channelColors[c%len(channelColors)]
		line.Width = vg.Points(1)
		p.Add(line)
		if c < len(channels) {
			p.Legend.Add(channels[c], line)
		}
	}

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (d *Dispatcher) handleProbabilities(w http.ResponseWriter, r *http.Request) {
	history := d.History()

	classSet := map[string]bool{}
	for _, h := range history {
		for c := range h.Probabilities {
			classSet[c] = true
		}
	}
	classes := make([]string, 0, len(classSet))
	for c := range classSet {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	x := make([]string, len(history))
	for i, h := range history {
		x[i] = strconv.FormatUint(h.Window, 10)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Class probabilities", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Class probabilities", Subtitle: fmt.Sprintf("pipeline=%s windows=%d", d.cfg.Name, len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "window", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "p", Min: 0, Max: 1}),
	)
	line.SetXAxis(x)
	for _, c := range classes {
		data := make([]opts.LineData, len(history))
		for i, h := range history {
			data[i] = opts.LineData{Value: h.Probabilities[c]}
		}
		line.AddSeries(c, data)
	}

	page := components.NewPage()
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
