package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/service/config"
)

func TestImageLoopEmitsIdleImages(t *testing.T) {
	cfg := config.Default()
	cfg.Processing.Settings.FPS = 15
	cfg.Output.Settings.Image.Type = config.ImageTypePNG
	cfg.Output.Settings.Video.Width = 640
	cfg.Output.Settings.Video.Height = 480

	loop := NewImageLoop(cfg)
	out, err := loop.Start(context.Background())
	require.NoError(t, err)

	_, err = loop.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	first := <-out
	start := time.Now()
	for i := 0; i < 3; i++ {
		<-out
	}
	// three ticks at 15fps are about 200ms apart in total
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	img, err := gocv.IMDecode(first, gocv.IMReadUnchanged)
	require.NoError(t, err)
	defer img.Close()
	assert.Equal(t, 640, img.Cols())
	assert.Equal(t, 480, img.Rows())
	assert.Equal(t, 4, img.Channels())

	loop.Stop()
	for range out {
	}
}

func TestImageLoopLossyIsWhite(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Settings.Image.Type = config.ImageTypeJPG
	cfg.Output.Settings.Video.Width = 32
	cfg.Output.Settings.Video.Height = 16

	b, err := idleImage(cfg)
	require.NoError(t, err)

	img, err := gocv.IMDecode(b, gocv.IMReadUnchanged)
	require.NoError(t, err)
	defer img.Close()
	assert.Equal(t, 1, img.Channels())
	assert.Equal(t, 32*16, gocv.CountNonZero(img))
}

func TestImageLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewImageLoop(config.Default())
	out, err := loop.Start(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case <-closed(out):
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	loop.Stop()
}

func closed(ch <-chan []byte) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	return done
}
