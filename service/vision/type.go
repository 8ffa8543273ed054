package vision

import (
	"context"
	"errors"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
)

var (
	ErrUnknownBackend  = errors.New("unknown vision backend")
	ErrNotRecognizer   = errors.New("backend does not recognize faces")
	ErrClassifierEmpty = errors.New("classifier could not be loaded")
)

// IService is a face detection/recognition backend. Implementations never
// retain the frame after returning and are safe for concurrent use.
type IService interface {
	Detect(ctx context.Context, frame gocv.Mat) (*model.DetectionResult, error)
	Recognize(ctx context.Context, frame gocv.Mat) (*model.DetectionResult, error)
	Close() error
}

type Options struct {
	// DataDir holds the cascade XML files named by classifier constants
	DataDir string
	// MaxSide bounds the working resolution of detection
	MaxSide int
}
