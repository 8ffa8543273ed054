package pipeline

import (
	"context"
	"fmt"
	"io"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
)

const liveEncodeFPS = 25

// InputArgs builds the input transcoder command line. Input 0 is the network
// source, decoded to JPEG images on pipe:1. Input 1 is the switch pipe on
// stdin, re-encoded to H.264 MPEG-TS on pipe:3.
func InputArgs(cfg config.Configuration) []string {
	// frames leave at the processing rate, not the source rate
	fps := cfg.Processing.Settings.FPS

	source := ffmpeg.Input(cfg.SourceURL(), ffmpeg.KwArgs{
		"analyzeduration": 0,
		"fflags":          "nobuffer",
	})

	overlay := ffmpeg.Input("pipe:0", ffmpeg.KwArgs{
		"re":                "",
		"f":                 "image2pipe",
		"framerate":         cfg.Processing.Settings.FPS,
		"thread_queue_size": 4096,
		"analyzeduration":   0,
		"fflags":            "nobuffer",
	})

	frames := source.Video()
	if s := cfg.Input.Settings.Scale; s.Active {
		frames = frames.Filter("scale", ffmpeg.Args{fmt.Sprintf("%d:%d", s.Width, s.Height)})
	}

	frameOut := frames.Output("pipe:1", ffmpeg.KwArgs{
		"an":        "",
		"r":         fps,
		"c:v":       "mjpeg",
		"avioflags": "direct",
		"f":         "image2pipe",
	})

	liveOut := overlay.Video().Output("pipe:3", ffmpeg.KwArgs{
		"c:v":       "libx264",
		"an":        "",
		"vf":        fmt.Sprintf("fps=fps=%d,format=yuv420p", liveEncodeFPS),
		"g":         liveEncodeFPS,
		"preset":    "ultrafast",
		"tune":      "zerolatency",
		"avioflags": "direct",
		"maxrate":   "1000k",
		"bufsize":   "500k",
		"f":         "mpegts",
	})

	return ffmpeg.MergeOutputs(frameOut, liveOut).
		GlobalArgs("-hide_banner", "-loglevel", logLevel(cfg.Input.Settings.LogLevel)).
		OverWriteOutput().
		GetArgs()
}

func logLevel(level string) string {
	if level == "" {
		return "warning"
	}
	return level
}

// newInputSpawner starts the input transcoder: stdin from the switch pipe,
// decoded frames to frames, re-encoded stream to video.
func newInputSpawner(bin string, cfg config.Configuration, stdin <-chan []byte, frames func(io.Reader) error, video io.Writer, syncSvc syncbus.IService, lost func(Process, string, error)) Spawner {
	return func(ctx context.Context) (Process, error) {
		t, err := startTranscoder(ctx, "input", bin, InputArgs(cfg), transcoderIO{
			Stdin:       stdin,
			Stdout:      frames,
			VideoOut:    video,
			ChannelLost: lost,
		}, syncSvc)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}
