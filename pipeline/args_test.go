package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/khaledhikmat/vs-detect/service/config"
)

// hasPair reports whether flag is directly followed by value in args
func hasPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestInputArgs(t *testing.T) {
	cfg := config.Default()
	cfg.Processing.Settings.FPS = 2
	cfg.Input.Settings.LogLevel = "error"

	args := InputArgs(cfg)
	joined := strings.Join(args, " ")

	assert.True(t, hasPair(args, "-loglevel", "error"))
	assert.True(t, hasPair(args, "-i", "rtmp://localhost:1935/live/demo"))
	assert.True(t, hasPair(args, "-i", "pipe:0"))
	assert.True(t, hasPair(args, "-framerate", "2"))
	assert.True(t, hasPair(args, "-c:v", "mjpeg"))
	assert.True(t, hasPair(args, "-c:v", "libx264"))
	assert.True(t, hasPair(args, "-f", "mpegts"))
	assert.Contains(t, args, "pipe:1")
	assert.Contains(t, args, "pipe:3")
	assert.Contains(t, joined, "fps=fps=25,format=yuv420p")
	assert.NotContains(t, joined, "scale")
	assert.Contains(t, args, "-y")
}

func TestInputArgsDecodeAtProcessingRate(t *testing.T) {
	cfg := config.Default()
	cfg.Input.Settings.FPS = 25
	cfg.Processing.Settings.FPS = 3

	args := InputArgs(cfg)
	assert.True(t, hasPair(args, "-r", "3"))
	assert.False(t, hasPair(args, "-r", "25"))
}

func TestInputArgsScale(t *testing.T) {
	cfg := config.Default()
	cfg.Input.Settings.Scale.Active = true
	cfg.Input.Settings.Scale.Width = 640
	cfg.Input.Settings.Scale.Height = 360

	assert.Contains(t, strings.Join(InputArgs(cfg), " "), "scale=640:360")
}

func TestOutputArgs(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Serve.URL = "rtmp://media:1935/detection/cam1"
	cfg.Output.Serve.Format = "flv"

	args := OutputArgs(cfg)
	joined := strings.Join(args, " ")

	assert.True(t, hasPair(args, "-i", "pipe:3"))
	assert.True(t, hasPair(args, "-c:a", "copy"))
	assert.True(t, hasPair(args, "-f", "flv"))
	assert.Contains(t, joined, "chromakey")
	assert.Contains(t, joined, "overlay")
	assert.Contains(t, args, "rtmp://media:1935/detection/cam1")

	cfg.Output.Settings.Image.Type = config.ImageTypeJPG
	joined = strings.Join(OutputArgs(cfg), " ")
	assert.Contains(t, joined, "vstack")
	assert.NotContains(t, joined, "chromakey")
}
