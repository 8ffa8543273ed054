package pipeline

import (
	"context"
	"io"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
)

// OutputArgs builds the output transcoder command line. Input 0 is the
// annotated stream on pipe:3, input 1 the camera source for its audio.
// Lossless overlays are keyed onto the source, lossy frames are stacked.
func OutputArgs(cfg config.Configuration) []string {
	annotated := ffmpeg.Input("pipe:3", ffmpeg.KwArgs{
		"re":              "",
		"analyzeduration": 0,
		"fflags":          "nobuffer",
	})
	source := ffmpeg.Input(cfg.SourceURL())

	var video *ffmpeg.Stream
	if cfg.IsLossless() {
		keyed := annotated.Video().Filter("chromakey", ffmpeg.Args{"black"})
		video = ffmpeg.Filter([]*ffmpeg.Stream{source.Video(), keyed}, "overlay", nil, ffmpeg.KwArgs{"alpha": "straight"})
	} else {
		video = ffmpeg.Filter([]*ffmpeg.Stream{annotated.Video(), source.Video()}, "vstack", ffmpeg.Args{"2"})
	}

	return ffmpeg.Output([]*ffmpeg.Stream{video, source.Audio()}, cfg.ServeURL(), ffmpeg.KwArgs{
		"c:v":     "libx264",
		"c:a":     "copy",
		"g":       liveEncodeFPS,
		"preset":  "ultrafast",
		"tune":    "zerolatency",
		"maxrate": "1000k",
		"bufsize": "500k",
		"f":       cfg.Output.Serve.Format,
	}).
		GlobalArgs("-hide_banner", "-loglevel", logLevel(cfg.Output.Settings.LogLevel)).
		OverWriteOutput().
		GetArgs()
}

// newOutputSpawner starts the output transcoder reading video on fd 3
func newOutputSpawner(bin string, cfg config.Configuration, video io.Reader, syncSvc syncbus.IService) Spawner {
	return func(ctx context.Context) (Process, error) {
		t, err := startTranscoder(ctx, "output", bin, OutputArgs(cfg), transcoderIO{
			VideoIn: video,
		}, syncSvc)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}
