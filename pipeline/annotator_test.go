package pipeline

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/config"
)

func annotatorConfig(imageType string) config.Configuration {
	cfg := config.Default()
	cfg.Output.Settings.Image.Type = imageType
	cfg.Output.Settings.Image.Width = 320
	cfg.Output.Settings.Image.Height = 240
	cfg.Processing.Detection.ConfidenceMin = 50
	cfg.Processing.Recognition.DistanceMax = 100
	return cfg
}

func testFrame(w, h int) *Frame {
	return NewFrame(gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), h, w, gocv.MatTypeCV8UC3), 1)
}

func TestAnnotatorThresholds(t *testing.T) {
	a := NewAnnotator(annotatorConfig(config.ImageTypePNG))

	assert.False(t, a.Visible(model.Detection{Confidence: 49}))
	assert.False(t, a.Visible(model.Detection{Confidence: 50}))
	assert.True(t, a.Visible(model.Detection{Confidence: 51}))

	assert.False(t, a.Labelled(model.Detection{}))
	assert.True(t, a.Labelled(model.Detection{Match: &model.Match{Label: "alice", Distance: 99}}))
	assert.False(t, a.Labelled(model.Detection{Match: &model.Match{Label: "alice", Distance: 100}}))
}

func TestAnnotatorLines(t *testing.T) {
	a := NewAnnotator(annotatorConfig(config.ImageTypePNG))

	assert.Equal(t, []string{"confidence: 0.87"}, a.Lines(model.Detection{Confidence: 87}))
	assert.Equal(t, []string{"confidence: 0.87"}, a.Lines(model.Detection{
		Confidence: 87,
		Match:      &model.Match{Label: "bob", Distance: 150},
	}))
	assert.Equal(t, []string{"confidence: 0.87", "label: alice", "distance: 42"}, a.Lines(model.Detection{
		Confidence: 87,
		Match:      &model.Match{Label: "alice", Distance: 42.6},
	}))
}

func TestAnnotatorLosslessCanvas(t *testing.T) {
	a := NewAnnotator(annotatorConfig(config.ImageTypePNG))
	frame := testFrame(640, 480)
	defer frame.Release()

	overlay := a.Process(&model.DetectionResult{Detections: []model.Detection{
		{Box: image.Rect(100, 100, 200, 200), Confidence: 90},
	}}, frame)
	defer overlay.Close()

	assert.False(t, overlay.Skipped)
	assert.Equal(t, 320, overlay.Mat.Cols())
	assert.Equal(t, 240, overlay.Mat.Rows())
	assert.Equal(t, 4, overlay.Mat.Channels())
	// the box was drawn on the canvas, not on the frame
	assert.Greater(t, nonZero(overlay.Mat), 0)
	assert.Equal(t, 0, nonZero(frame.Mat))
}

func TestAnnotatorLossyDrawsInPlace(t *testing.T) {
	a := NewAnnotator(annotatorConfig(config.ImageTypeJPG))
	frame := testFrame(640, 480)
	defer frame.Release()

	overlay := a.Process(&model.DetectionResult{Detections: []model.Detection{
		{Box: image.Rect(10, 10, 50, 50), Confidence: 90},
	}}, frame)
	overlay.Close()

	assert.False(t, overlay.Skipped)
	assert.Greater(t, nonZero(frame.Mat), 0)
	// closing an aliased overlay leaves the frame alone
	assert.False(t, frame.Mat.Empty())
}

func TestAnnotatorSkips(t *testing.T) {
	a := NewAnnotator(annotatorConfig(config.ImageTypePNG))
	frame := testFrame(64, 64)
	defer frame.Release()

	overlay := a.Process(nil, frame)
	assert.True(t, overlay.Skipped)
	overlay.Close()

	overlay = a.Process(&model.DetectionResult{}, frame)
	assert.True(t, overlay.Skipped)
	overlay.Close()

	overlay = a.Process(&model.DetectionResult{Detections: []model.Detection{{Box: image.Rect(0, 0, 10, 10), Confidence: 49}}}, frame)
	assert.True(t, overlay.Skipped)
	overlay.Close()
}

// nonZero counts the pixels of m that are not black
func nonZero(m gocv.Mat) int {
	g := gocv.NewMat()
	defer g.Close()

	code := gocv.ColorBGRToGray
	if m.Channels() == 4 {
		code = gocv.ColorBGRAToGray
	}
	gocv.CvtColor(m, &g, code)
	return gocv.CountNonZero(g)
}
