package pipeline

import (
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Frame is one decoded image owned by exactly one stage at a time.
// Release frees the native buffer on the first call only.
type Frame struct {
	Mat       gocv.Mat
	Seq       int64
	Timestamp time.Time

	releases atomic.Int32
}

func NewFrame(mat gocv.Mat, seq int64) *Frame {
	return &Frame{
		Mat:       mat,
		Seq:       seq,
		Timestamp: time.Now(),
	}
}

func (f *Frame) Release() {
	if f.releases.Add(1) == 1 {
		f.Mat.Close()
	}
}

// Releases is the number of Release calls so far
func (f *Frame) Releases() int32 {
	return f.releases.Load()
}
