package vision

import (
	"context"
	"errors"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/config"
)

// opencvService detects faces with a cascade or DNN finder and, when trained,
// labels them with the LBPH recognizer. OpenCV objects are not thread safe so
// every call is serialized.
type opencvService struct {
	mu      sync.Mutex
	faces   faceFinder
	lbph    *recognizer
	maxSide int
	closed  bool
}

// New builds the backend for processing.settings.type once per run.
func New(cfg config.Configuration, opts Options) (IService, error) {
	if opts.MaxSide <= 0 {
		opts.MaxSide = 320
	}

	switch cfg.Processing.Settings.Type {
	case config.ProcessingFaceDetection:
		faces, err := newFaceFinder(cfg.Processing.Detection.Classifier, cfg.Processing.Detection.Config, opts)
		if err != nil {
			return nil, err
		}
		return &opencvService{faces: faces, maxSide: opts.MaxSide}, nil

	case config.ProcessingFaceRecognition:
		// recognition needs per-face grayscale crops, so it always uses a cascade
		path := ClassifierPath(cfg.Processing.Detection.Classifier, opts.DataDir)
		if isDNNModel(path) {
			path = ClassifierPath("HAAR_FRONTALFACE_ALT2", opts.DataDir)
		}
		faces, err := newCascadeFinder(path, opts.MaxSide)
		if err != nil {
			return nil, err
		}
		rec, err := newRecognizer(cfg.Processing.Recognition.AssetsPath, faces)
		if err != nil {
			_ = faces.close()
			return nil, err
		}
		return &opencvService{faces: faces, lbph: rec, maxSide: opts.MaxSide}, nil
	}

	return nil, ErrUnknownBackend
}

func (svc *opencvService) Detect(ctx context.Context, frame gocv.Mat) (*model.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.closed {
		return nil, errors.New("vision backend closed")
	}

	return &model.DetectionResult{Detections: svc.faces.find(frame)}, nil
}

func (svc *opencvService) Recognize(ctx context.Context, frame gocv.Mat) (*model.DetectionResult, error) {
	if svc.lbph == nil {
		return nil, ErrNotRecognizer
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.closed {
		return nil, errors.New("vision backend closed")
	}

	cascade := svc.faces.(*cascadeFinder)
	gray, factor := grayBounded(frame, svc.maxSide)
	defer gray.Close()

	rects := cascade.findGray(gray)
	result := &model.DetectionResult{Detections: make([]model.Detection, 0, len(rects))}
	for _, r := range rects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		face := gray.Region(r.Intersect(image.Rect(0, 0, gray.Cols(), gray.Rows())))
		label, distance := svc.lbph.predict(face)
		face.Close()

		result.Detections = append(result.Detections, model.Detection{
			Box:        scaleRect(r, factor),
			Confidence: 100,
			Match:      &model.Match{Label: label, Distance: distance},
		})
	}

	return result, nil
}

func (svc *opencvService) Close() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.closed {
		return nil
	}
	svc.closed = true
	return svc.faces.close()
}
