package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

// ImageLoop emits a blank encoded image every processing interval so the
// input transcoder has something to encode before live frames exist.
type ImageLoop struct {
	cfg config.Configuration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewImageLoop(cfg config.Configuration) *ImageLoop {
	return &ImageLoop{cfg: cfg}
}

// idleImage is a transparent canvas for lossless types and a white
// single-channel image otherwise, at the output video resolution.
func idleImage(cfg config.Configuration) ([]byte, error) {
	w, h := cfg.Output.Settings.Video.Width, cfg.Output.Settings.Video.Height

	var mat gocv.Mat
	if cfg.IsLossless() {
		mat = gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), h, w, gocv.MatTypeCV8UC4)
	} else {
		mat = gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), h, w, gocv.MatTypeCV8UC1)
	}
	defer mat.Close()

	return encode(cfg.ImageExt(), mat)
}

func encode(ext string, mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.FileExt(ext), mat)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	// the native buffer is freed on Close
	return append([]byte(nil), buf.GetBytes()...), nil
}

func (l *ImageLoop) Start(ctx context.Context) (<-chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return nil, ErrAlreadyRunning
	}

	img, err := idleImage(l.cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding idle image: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	out := make(chan []byte)
	interval := l.cfg.ProcessingInterval()

	go func(done chan struct{}) {
		defer close(done)
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lgr.Logger.Debug("image loop started",
			slog.Duration("interval", interval),
			slog.Int("bytes", len(img)),
		)

		for {
			select {
			case <-ctx.Done():
				lgr.Logger.Debug("image loop context cancelled")
				return
			case <-ticker.C:
				select {
				case <-ctx.Done():
					return
				case out <- img:
				}
			}
		}
	}(l.done)

	return out, nil
}

func (l *ImageLoop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
