package vision

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/config"
)

func TestClassifierPath(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "haarcascade_frontalface_alt2.xml"), ClassifierPath("HAAR_FRONTALFACE_ALT2", "data"))
	assert.Equal(t, filepath.Join("data", "lbpcascade_frontalface.xml"), ClassifierPath("LBP_FRONTALFACE", "data"))
	assert.Equal(t, "models/res10.caffemodel", ClassifierPath("models/res10.caffemodel", "data"))
	assert.True(t, isDNNModel("models/res10.caffemodel"))
	assert.False(t, isDNNModel("data/haarcascade_eye.xml"))
}

func TestLabelFromFile(t *testing.T) {
	assert.Equal(t, "alice", LabelFromFile("/faces/alice01.jpg"))
	assert.Equal(t, "bobsmith", LabelFromFile("bob_smith-2.v2.png"))
	assert.Equal(t, "", LabelFromFile("0001.jpg"))
}

func TestAssetFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"bob2.jpg", "alice1.jpg", "alice2.png", "notes.txt", "42.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{}, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755))

	files, labels, err := assetFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 4)
	assert.Equal(t, []string{"alice", "bob"}, labels)
}

func TestNewRejectsUnknownType(t *testing.T) {
	cfg := config.Default()
	cfg.Processing.Settings.Type = "pose"

	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestNewMissingCascade(t *testing.T) {
	cfg := config.Default()
	cfg.Processing.Detection.Classifier = filepath.Join(t.TempDir(), "missing.xml")

	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, ErrClassifierEmpty)
}

func TestScaleRect(t *testing.T) {
	assert.Equal(t, image.Rect(20, 40, 60, 80), scaleRect(image.Rect(10, 20, 30, 40), 2))
}

func TestGrayBounded(t *testing.T) {
	src := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer src.Close()

	gray, factor := grayBounded(src, 320)
	defer gray.Close()

	assert.Equal(t, 2.0, factor)
	assert.Equal(t, 320, gray.Cols())
	assert.Equal(t, 240, gray.Rows())
	assert.Equal(t, 1, gray.Channels())
}

func TestFakeReturnsScriptedResult(t *testing.T) {
	want := &model.DetectionResult{Detections: []model.Detection{{Box: image.Rect(0, 0, 10, 10), Confidence: 80}}}
	svc := NewFake(FakeOptions{Result: want})

	got, err := svc.Detect(context.Background(), gocv.NewMat())
	require.NoError(t, err)
	assert.Equal(t, want.Detections, got.Detections)

	got, err = svc.Recognize(context.Background(), gocv.NewMat())
	require.NoError(t, err)
	assert.Len(t, got.Detections, 1)
	assert.Equal(t, 2, svc.Calls())
}

func TestFakeHangHonorsDeadline(t *testing.T) {
	svc := NewFake(FakeOptions{Hang: true})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := svc.Detect(ctx, gocv.NewMat())
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}
