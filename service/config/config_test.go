package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "rtmp://localhost:1935/live/demo", cfg.SourceURL())
	assert.Equal(t, "rtmp://localhost:1935/detection/demo", cfg.ServeURL())
	assert.True(t, cfg.IsLossless())
	assert.Equal(t, ".png", cfg.ImageExt())
	assert.Equal(t, filepath.Join("tmp", "images", "output.png"), cfg.Output.Local.Image.File())
}

func TestDetectionDeadline(t *testing.T) {
	cfg := Default()

	cfg.Processing.Settings.FPS = 1
	assert.Equal(t, 980*time.Millisecond, cfg.DetectionDeadline())

	cfg.Processing.Settings.FPS = 10
	assert.Equal(t, 80*time.Millisecond, cfg.DetectionDeadline())

	cfg.Processing.Settings.FPS = 50
	assert.Equal(t, time.Millisecond, cfg.DetectionDeadline())
}

func TestExplicitURLWins(t *testing.T) {
	cfg := Default()
	cfg.Input.Source.URL = "rtsp://camera/stream"
	assert.Equal(t, "rtsp://camera/stream", cfg.SourceURL())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"INPUT_STREAM_SOURCE_HOST":             "media",
		"PROCESSING_SETTINGS_FPS":              "5",
		"PROCESSING_DETECTION_CONFIDENCE_MIN":  "50.5",
		"PROCESSING_RECOGNITION_ASSETS_LABELS": "alice, bob,,",
		"PROCESSING_DRAWING_LINE_COLOR_R":      "10",
		"OUTPUT_SERVE_USE":                     "TRUE",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, "media", cfg.Input.Source.Host)
	assert.Equal(t, 5, cfg.Processing.Settings.FPS)
	assert.Equal(t, 50.5, cfg.Processing.Detection.ConfidenceMin)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Processing.Recognition.Labels)
	assert.Equal(t, uint8(10), cfg.Processing.Draw.Line.R)
	assert.True(t, cfg.Output.Serve.Active)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "PROCESSING_DRAWING_TEXT_COLOR_G" {
			return "300", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROCESSING_DRAWING_TEXT_COLOR_G")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Processing.Settings.Type = "pose-estimation"
	cfg.Processing.Settings.FPS = 0
	cfg.Output.Settings.Image.Type = "gif"
	cfg.Output.Local.Video.Active = true
	cfg.Output.Settings.Video.Type = "h264x"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pose-estimation")
	assert.Contains(t, err.Error(), "processing fps")
	assert.Contains(t, err.Error(), "gif")
	assert.Contains(t, err.Error(), "fourcc")
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "detection.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
processing:
  settings:
    type: face-recognition
    fps: 4
  detection:
    confidenceMin: 35
output:
  settings:
    image:
      type: jpg
      width: 640
      height: 480
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProcessingFaceRecognition, cfg.Processing.Settings.Type)
	assert.Equal(t, 4, cfg.Processing.Settings.FPS)
	assert.Equal(t, 35.0, cfg.Processing.Detection.ConfidenceMin)
	assert.False(t, cfg.IsLossless())
	// untouched sections keep their defaults
	assert.Equal(t, "localhost", cfg.Input.Source.Host)
	assert.Equal(t, 200.0, cfg.Processing.Recognition.DistanceMax)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Processing, cfg.Processing)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing: [1, 2"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestHardCodedEnvOverride(t *testing.T) {
	t.Setenv("PROCESSING_QUEUE_SIZE", "9")
	t.Setenv("STOP_GRACE_PERIOD_MS", "bogus")

	svc := NewHardCoded()
	assert.Equal(t, 9, svc.GetDispatchQueueSize())
	assert.Equal(t, 2*time.Second, svc.GetStopGracePeriod())
	assert.Equal(t, "ffmpeg", svc.GetTranscoderBinary())
}
