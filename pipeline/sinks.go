package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hybridgroup/mjpeg"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

// imageSink overwrites the same file with every frame
type imageSink struct {
	file string
}

func newImageSink(cfg config.Configuration) (*imageSink, error) {
	file := cfg.Output.Local.Image.File()
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	return &imageSink{file: file}, nil
}

func (s *imageSink) Name() string {
	return "image"
}

func (s *imageSink) Write(_ context.Context, _ int64, mat gocv.Mat) error {
	if !gocv.IMWrite(s.file, mat) {
		return fmt.Errorf("could not write %s", s.file)
	}
	return nil
}

func (s *imageSink) Close() error {
	return nil
}

// videoSink appends frames to one video file for the whole run
type videoSink struct {
	file   string
	writer *gocv.VideoWriter
	width  int
	height int
}

func newVideoSink(cfg config.Configuration) (*videoSink, error) {
	file := cfg.Output.Local.Video.File()
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}

	v := cfg.Output.Settings.Video
	writer, err := gocv.VideoWriterFile(file, v.Type, float64(cfg.Processing.Settings.FPS), v.Width, v.Height, true)
	if err != nil {
		return nil, fmt.Errorf("creating video writer %s: %w", file, err)
	}

	lgr.Logger.Info("video writer opened",
		slog.String("file", file),
		slog.String("fourcc", v.Type),
		slog.Int("width", v.Width),
		slog.Int("height", v.Height),
	)

	return &videoSink{file: file, writer: writer, width: v.Width, height: v.Height}, nil
}

func (s *videoSink) Name() string {
	return "video"
}

// Write converts to 3-channel BGR and resizes when the frame does not match
// the writer resolution
func (s *videoSink) Write(_ context.Context, _ int64, mat gocv.Mat) error {
	src := mat
	if mat.Channels() != 3 {
		bgr := gocv.NewMat()
		defer bgr.Close()
		code := gocv.ColorBGRAToBGR
		if mat.Channels() == 1 {
			code = gocv.ColorGrayToBGR
		}
		if err := gocv.CvtColor(mat, &bgr, code); err != nil {
			return err
		}
		src = bgr
	}

	if src.Cols() != s.width || src.Rows() != s.height {
		resized := gocv.NewMat()
		defer resized.Close()
		if err := gocv.Resize(src, &resized, image.Pt(s.width, s.height), 0, 0, gocv.InterpolationLinear); err != nil {
			return err
		}
		src = resized
	}

	return s.writer.Write(src)
}

func (s *videoSink) Close() error {
	lgr.Logger.Info("video writer closed", slog.String("file", s.file))
	return s.writer.Close()
}

// passthroughSink re-encodes frames to the output image type and hands them
// to the switch pipe. It blocks while the transcoder is behind.
type passthroughSink struct {
	ext string
	out chan<- []byte
}

func newPassthroughSink(ext string, out chan<- []byte) *passthroughSink {
	return &passthroughSink{ext: ext, out: out}
}

func (s *passthroughSink) Name() string {
	return "passthrough"
}

func (s *passthroughSink) Write(ctx context.Context, _ int64, mat gocv.Mat) error {
	b, err := encode(s.ext, mat)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.out <- b:
		return nil
	}
}

func (s *passthroughSink) Close() error {
	return nil
}

// previewSink publishes frames as MJPEG for the internal preview endpoint
type previewSink struct {
	stream *mjpeg.Stream
}

func newPreviewSink(stream *mjpeg.Stream) *previewSink {
	return &previewSink{stream: stream}
}

func (s *previewSink) Name() string {
	return "preview"
}

func (s *previewSink) Write(_ context.Context, _ int64, mat gocv.Mat) error {
	src := mat
	if mat.Channels() == 4 {
		bgr := gocv.NewMat()
		defer bgr.Close()
		if err := gocv.CvtColor(mat, &bgr, gocv.ColorBGRAToBGR); err != nil {
			return err
		}
		src = bgr
	}

	b, err := encode(".jpg", src)
	if err != nil {
		return err
	}
	s.stream.UpdateJPEG(b)
	return nil
}

func (s *previewSink) Close() error {
	return nil
}
