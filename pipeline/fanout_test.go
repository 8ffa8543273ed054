package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/service/config"
)

type recordingSink struct {
	name string
	err  error
	boom bool

	mu     sync.Mutex
	seqs   []int64
	closed bool
}

func (s *recordingSink) Name() string {
	return s.name
}

func (s *recordingSink) Write(_ context.Context, seq int64, _ gocv.Mat) error {
	if s.boom {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, seq)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) written() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.seqs...)
}

func TestFanoutIsolatesSinkErrors(t *testing.T) {
	failing := &recordingSink{name: "failing", err: errors.New("disk full")}
	panicking := &recordingSink{name: "panicking", boom: true}
	healthy := &recordingSink{name: "healthy"}

	f := NewFanout(config.Default(), failing, panicking, healthy)

	mat := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer mat.Close()

	err := f.Step(context.Background(), 1, mat)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "sink panic")

	assert.Error(t, f.Step(context.Background(), 2, mat))

	assert.Equal(t, []int64{1, 2}, healthy.written())
	assert.Equal(t, []int64{1, 2}, failing.written())
	assert.Equal(t, map[string]int64{"failing": 2, "panicking": 2}, f.Errors())

	require.NoError(t, f.Stop())
	assert.True(t, healthy.closed)
}

func TestFanoutInitAddsPassthrough(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Settings.Image.Type = config.ImageTypeJPG

	f := NewFanout(cfg)
	passthrough := make(chan []byte, 1)
	require.NoError(t, f.Init(passthrough))
	// a second Init is a no-op
	require.NoError(t, f.Init(passthrough))

	mat := gocv.NewMatWithSize(16, 16, gocv.MatTypeCV8UC3)
	defer mat.Close()

	require.NoError(t, f.Step(context.Background(), 1, mat))

	b := <-passthrough
	assert.Equal(t, jpegSOI, b[:2])
	require.NoError(t, f.Stop())
}

func TestPassthroughHonorsContext(t *testing.T) {
	s := newPassthroughSink(".png", make(chan []byte))

	mat := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC4)
	defer mat.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Write(ctx, 1, mat), context.Canceled)
}

func TestImageSinkOverwrites(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Local.Image.Path = t.TempDir() + "/nested"
	cfg.Output.Local.Image.Filename = "latest"
	cfg.Output.Local.Image.Ext = "png"

	s, err := newImageSink(cfg)
	require.NoError(t, err)

	mat := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC4)
	defer mat.Close()

	require.NoError(t, s.Write(context.Background(), 1, mat))
	require.NoError(t, s.Write(context.Background(), 2, mat))

	_, err = os.Stat(cfg.Output.Local.Image.File())
	assert.NoError(t, err)
}

func TestVideoSinkWritesFile(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Local.Video.Active = true
	cfg.Output.Local.Video.Path = t.TempDir()
	cfg.Output.Local.Video.Filename = "clip"
	cfg.Output.Local.Video.Ext = "avi"
	cfg.Output.Settings.Video.Type = "MJPG"
	cfg.Output.Settings.Video.Width = 64
	cfg.Output.Settings.Video.Height = 48

	s, err := newVideoSink(cfg)
	if err != nil {
		t.Skipf("no video writer backend: %v", err)
	}

	// a transparent canvas of another size is converted and resized
	mat := gocv.NewMatWithSize(24, 32, gocv.MatTypeCV8UC4)
	defer mat.Close()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.Write(context.Background(), i, mat))
	}
	require.NoError(t, s.Close())

	info, err := os.Stat(cfg.Output.Local.Video.File())
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
