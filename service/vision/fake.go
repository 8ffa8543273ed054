package vision

import (
	"context"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
)

// FakeOptions scripts the fake backend
type FakeOptions struct {
	Result *model.DetectionResult
	Err    error
	Delay  time.Duration
	// Hang blocks every call until the context is done
	Hang bool
}

type fakeService struct {
	opts FakeOptions

	mu    sync.Mutex
	calls int
}

// Fake is the in-memory backend used in tests and dry runs
type Fake interface {
	IService
	Calls() int
}

func NewFake(opts FakeOptions) Fake {
	return &fakeService{opts: opts}
}

func (svc *fakeService) Detect(ctx context.Context, _ gocv.Mat) (*model.DetectionResult, error) {
	return svc.call(ctx)
}

func (svc *fakeService) Recognize(ctx context.Context, _ gocv.Mat) (*model.DetectionResult, error) {
	return svc.call(ctx)
}

func (svc *fakeService) call(ctx context.Context) (*model.DetectionResult, error) {
	svc.mu.Lock()
	svc.calls++
	svc.mu.Unlock()

	if svc.opts.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if svc.opts.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(svc.opts.Delay):
		}
	}

	if svc.opts.Err != nil {
		return nil, svc.opts.Err
	}
	if svc.opts.Result == nil {
		return &model.DetectionResult{}, nil
	}

	// callers own the result
	res := &model.DetectionResult{Detections: append([]model.Detection(nil), svc.opts.Result.Detections...)}
	return res, nil
}

func (svc *fakeService) Calls() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.calls
}

func (svc *fakeService) Close() error {
	return nil
}
