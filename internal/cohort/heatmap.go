package cohort

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const paletteSize = 256

// HeatmapOptions sizes the rendered image.
type HeatmapOptions struct {
	Width  vg.Length
	Height vg.Length
	DPI    int
}

// DefaultHeatmapOptions renders a 20in × 10in image.
var DefaultHeatmapOptions = HeatmapOptions{Width: 20 * vg.Inch, Height: 10 * vg.Inch, DPI: 150}

// HeatmapArtifact is the stored result of a cohort comparison.
type HeatmapArtifact struct {
	Image string `json:"heatmap_image"` // base64 JPEG
}

// EncodeHeatmap wraps JPEG bytes in the result document.
func EncodeHeatmap(jpeg []byte) ([]byte, error) {
	return json.Marshal(HeatmapArtifact{Image: base64.StdEncoding.EncodeToString(jpeg)})
}

// DecodeHeatmap extracts the JPEG bytes from a result document.
func DecodeHeatmap(data []byte) ([]byte, error) {
	var a HeatmapArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	if a.Image == "" {
		return nil, errors.New("result has no heatmap_image")
	}
	return base64.StdEncoding.DecodeString(a.Image)
}

// matrixGrid presents a square matrix as a plotter.GridXYZ with row 0 at the
// top of the panel.
type matrixGrid struct {
	m mat.Matrix
}

func (g matrixGrid) Dims() (c, r int) {
	rows, cols := g.m.Dims()
	return cols, rows
}

func (g matrixGrid) Z(c, r int) float64 {
	rows, _ := g.m.Dims()
	return g.m.At(rows-1-r, c)
}

func (g matrixGrid) X(c int) float64 { return float64(c) }
func (g matrixGrid) Y(r int) float64 { return float64(r) }

// RenderHeatmaps draws one panel per cohort side by side on a shared [0,1]
// color scale with a color bar, and returns the JPEG bytes.
func RenderHeatmaps(results []CohortResult, opts HeatmapOptions) ([]byte, error) {
	if len(results) == 0 {
		return nil, errors.New("nothing to render")
	}
	cm := moreland.SmoothBlueRed()
	cm.SetMin(0)
	cm.SetMax(1)

	panels := make([]*plot.Plot, len(results))
	for i, r := range results {
		if r.CoOccurrence == nil || r.Normalized == nil {
			return nil, fmt.Errorf("cohort %s has no matrix", r.Cohort)
		}
		panels[i] = heatmapPanel(r, cm)
	}

	img := vgimg.NewWith(vgimg.UseWH(opts.Width, opts.Height), vgimg.UseDPI(opts.DPI))
	dc := draw.New(img)

	barWidth := opts.Width / 16
	body := draw.Crop(dc, 0, -barWidth, 0, 0)
	bar := draw.Crop(dc, opts.Width-barWidth, 0, vg.Inch, -vg.Inch/2)

	tiles := draw.Tiles{
		Rows: 1, Cols: len(panels),
		PadX: vg.Inch / 2, PadTop: vg.Inch / 4, PadBottom: vg.Inch / 4,
		PadLeft: vg.Inch / 4, PadRight: vg.Inch / 4,
	}
	canvases := plot.Align([][]*plot.Plot{panels}, tiles, body)
	for j, p := range panels {
		p.Draw(canvases[0][j])
	}
	colorBar(cm).Draw(bar)

	var buf bytes.Buffer
	if _, err := (vgimg.JpegCanvas{Canvas: img}).WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func heatmapPanel(r CohortResult, cm palette.ColorMap) *plot.Plot {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s Co-occurrence (N=%d cells)", r.Cohort, r.TotalCells)

	h := plotter.NewHeatMap(matrixGrid{r.Normalized}, cm.Palette(paletteSize))
	h.Min, h.Max = 0, 1
	p.Add(h)

	n := len(r.Markers)
	xticks := make([]plot.Tick, n)
	yticks := make([]plot.Tick, n)
	for i, m := range r.Markers {
		xticks[i] = plot.Tick{Value: float64(i), Label: m}
		yticks[i] = plot.Tick{Value: float64(n - 1 - i), Label: m}
	}
	p.X.Tick.Marker = plot.ConstantTicks(xticks)
	p.Y.Tick.Marker = plot.ConstantTicks(yticks)
	p.X.Tick.Label.Rotation = math.Pi / 2
	p.X.Tick.Label.XAlign = draw.XRight
	p.X.Tick.Label.YAlign = draw.YCenter
	return p
}

func colorBar(cm palette.ColorMap) *plot.Plot {
	p := plot.New()
	p.HideX()
	p.Add(&plotter.ColorBar{ColorMap: cm, Vertical: true})

	ticks := make([]plot.Tick, 0, 11)
	for i := 0; i <= 10; i++ {
		v := float64(i) / 10
		ticks = append(ticks, plot.Tick{Value: v, Label: fmt.Sprintf("%.1f", v)})
	}
	p.Y.Tick.Marker = plot.ConstantTicks(ticks)
	return p
}
