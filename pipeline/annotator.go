package pipeline

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/config"
)

const (
	textFont    = gocv.FontHersheySimplex
	textPadding = 4
)

// Overlay is what the fanout writes for one frame. For lossless outputs it is
// a canvas owned by the overlay, otherwise it aliases the frame.
type Overlay struct {
	Mat gocv.Mat
	// Skipped is set when there was nothing to draw
	Skipped bool
	owned   bool
}

func (o Overlay) Close() {
	if o.owned {
		o.Mat.Close()
	}
}

type Annotator struct {
	cfg config.Configuration
}

func NewAnnotator(cfg config.Configuration) *Annotator {
	return &Annotator{cfg: cfg}
}

// Visible reports whether a detection clears confidenceMin (strictly)
func (a *Annotator) Visible(d model.Detection) bool {
	return d.Confidence > a.cfg.Processing.Detection.ConfidenceMin
}

// Labelled reports whether a match is close enough to show (strictly)
func (a *Annotator) Labelled(d model.Detection) bool {
	return d.Match != nil && d.Match.Distance < a.cfg.Processing.Recognition.DistanceMax
}

// Lines is the text block drawn under a detection
func (a *Annotator) Lines(d model.Detection) []string {
	lines := []string{fmt.Sprintf("confidence: %.2f", d.Confidence/100)}
	if a.Labelled(d) {
		lines = append(lines,
			fmt.Sprintf("label: %s", d.Match.Label),
			fmt.Sprintf("distance: %d", int(d.Match.Distance)),
		)
	}
	return lines
}

// Process draws result onto the target buffer for frame. With no result or
// no detections the overlay is returned Skipped and untouched.
func (a *Annotator) Process(result *model.DetectionResult, frame *Frame) Overlay {
	overlay := a.target(frame)
	if result.Empty() {
		overlay.Skipped = true
		return overlay
	}

	sx := float64(overlay.Mat.Cols()) / float64(frame.Mat.Cols())
	sy := float64(overlay.Mat.Rows()) / float64(frame.Mat.Rows())

	drawn := 0
	for _, d := range result.Detections {
		if !a.Visible(d) {
			continue
		}
		box := image.Rect(
			int(float64(d.Box.Min.X)*sx), int(float64(d.Box.Min.Y)*sy),
			int(float64(d.Box.Max.X)*sx), int(float64(d.Box.Max.Y)*sy),
		)
		a.draw(&overlay.Mat, box, a.Lines(d))
		drawn++
	}

	overlay.Skipped = drawn == 0
	return overlay
}

func (a *Annotator) target(frame *Frame) Overlay {
	if !a.cfg.IsLossless() {
		return Overlay{Mat: frame.Mat}
	}

	w, h := a.cfg.Output.Settings.Image.Width, a.cfg.Output.Settings.Image.Height
	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), h, w, gocv.MatTypeCV8UC4)
	return Overlay{Mat: canvas, owned: true}
}

func (a *Annotator) draw(dst *gocv.Mat, box image.Rectangle, lines []string) {
	line := a.cfg.Processing.Draw.Line
	text := a.cfg.Processing.Draw.Text

	gocv.Rectangle(dst, box, color.RGBA{R: line.R, G: line.G, B: line.B, A: 255}, line.Thickness)

	// text block sits under the box
	var size image.Point
	for _, l := range lines {
		sz := gocv.GetTextSize(l, textFont, text.Size, text.Thickness)
		if sz.X > size.X {
			size.X = sz.X
		}
		size.Y += sz.Y + textPadding
	}
	block := image.Rect(box.Min.X, box.Max.Y, box.Min.X+size.X+2*textPadding, box.Max.Y+size.Y+textPadding)

	if text.Alpha > 0 {
		a.shade(dst, block, text.Alpha)
	}

	y := box.Max.Y
	for _, l := range lines {
		sz := gocv.GetTextSize(l, textFont, text.Size, text.Thickness)
		y += sz.Y + textPadding
		gocv.PutText(dst, l, image.Pt(box.Min.X+textPadding, y), textFont, text.Size,
			color.RGBA{R: text.R, G: text.G, B: text.B, A: 255}, text.Thickness)
	}
}

// shade blends a black background behind the text block
func (a *Annotator) shade(dst *gocv.Mat, block image.Rectangle, alpha float64) {
	block = block.Intersect(image.Rect(0, 0, dst.Cols(), dst.Rows()))
	if block.Empty() {
		return
	}

	roi := dst.Region(block)
	defer roi.Close()

	bg := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 255), roi.Rows(), roi.Cols(), roi.Type())
	defer bg.Close()

	gocv.AddWeighted(bg, alpha, roi, 1-alpha, 0, &roi)
}
