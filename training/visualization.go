package training

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/wcharczuk/go-chart"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves PlotType = "training_curves"
)

// PlotData is a renderer-independent description of a plot.
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string    `json:"name"`
	X    []float64 `json:"x"`
	Y    []float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// LossCurvesPlot describes the per-epoch train and validation losses of a
// run.
func LossCurvesPlot(modelName string, learningRate float64, result *RunResult) PlotData {
	epochs := make([]float64, len(result.TrainLosses))
	for i := range epochs {
		epochs[i] = float64(i + 1)
	}
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Loss - lr %s", FormatLearningRate(learningRate)),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{
			{Name: "train", X: epochs, Y: result.TrainLosses},
			{Name: "val", X: epochs[:len(result.ValLosses)], Y: result.ValLosses},
		},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss",
			Width:      800,
			Height:     600,
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data to JSON")
	}
	return string(jsonData), nil
}

// FormatLearningRate renders a rate with the shortest exact decimal form,
// as used in file and directory names.
func FormatLearningRate(lr float64) string {
	return strconv.FormatFloat(lr, 'g', -1, 64)
}

// LossPlotFileName returns the loss-curve file name for a learning rate.
func LossPlotFileName(lr float64) string {
	return "losses_" + FormatLearningRate(lr) + ".png"
}

// LossPlotter renders the loss curves of one sweep candidate and returns
// the path written.
type LossPlotter interface {
	PlotLosses(learningRate float64, result *RunResult) (string, error)
}

// ChartPlotter renders loss curves to PNG files with go-chart.
type ChartPlotter struct {
	fs        afero.Fs
	dir       string
	modelName string
	// WriteJSON also writes the PlotData next to the PNG.
	WriteJSON bool
}

func NewChartPlotter(fs afero.Fs, dir string, modelName string) *ChartPlotter {
	return &ChartPlotter{fs: fs, dir: dir, modelName: modelName}
}

func (p *ChartPlotter) PlotLosses(learningRate float64, result *RunResult) (string, error) {
	if len(result.TrainLosses) == 0 {
		return "", errors.New("no losses to plot")
	}
	if err := p.fs.MkdirAll(p.dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create plot directory %s", p.dir)
	}

	data := LossCurvesPlot(p.modelName, learningRate, result)
	path := filepath.Join(p.dir, LossPlotFileName(learningRate))
	if err := p.Render(data, path); err != nil {
		return "", err
	}

	if p.WriteJSON {
		js, err := data.ToJSON()
		if err != nil {
			return "", err
		}
		jsonPath := path[:len(path)-len(filepath.Ext(path))] + ".json"
		if err := afero.WriteFile(p.fs, jsonPath, []byte(js), 0644); err != nil {
			return "", errors.Wrapf(err, "failed to write %s", jsonPath)
		}
	}
	return path, nil
}

// Render draws data as a line chart and writes the PNG to path.
func (p *ChartPlotter) Render(data PlotData, path string) error {
	var series []chart.Series
	xMin, xMax := math.Inf(1), math.Inf(-1)
	yMin, yMax := math.Inf(1), math.Inf(-1)
	for i, s := range data.Series {
		if len(s.X) == 0 {
			continue
		}
		for j := range s.X {
			xMin, xMax = math.Min(xMin, s.X[j]), math.Max(xMax, s.X[j])
			yMin, yMax = math.Min(yMin, s.Y[j]), math.Max(yMax, s.Y[j])
		}
		series = append(series, chart.ContinuousSeries{
			Name:    s.Name,
			XValues: s.X,
			YValues: s.Y,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.GetAlternateColor(i),
				StrokeWidth: 2,
			},
		})
	}
	if len(series) == 0 {
		return errors.New("plot has no data")
	}

	// A single epoch gives a degenerate range, which go-chart rejects.
	if xMax <= xMin {
		xMax = xMin + 1
	}
	pad := (yMax - yMin) * 0.05
	if pad == 0 {
		pad = math.Max(math.Abs(yMax)*0.05, 1e-3)
	}

	graph := chart.Chart{
		Title:      data.Title,
		TitleStyle: chart.StyleShow(),
		Width:      data.Config.Width,
		Height:     data.Config.Height,
		XAxis: chart.XAxis{
			Name:      data.Config.XAxisLabel,
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: xMin, Max: xMax},
		},
		YAxis: chart.YAxis{
			Name:      data.Config.YAxisLabel,
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: yMin - pad, Max: yMax + pad},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{
		chart.Legend(&graph),
	}

	f, err := p.fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := graph.Render(chart.PNG, f); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to render %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", path)
	}
	return nil
}
