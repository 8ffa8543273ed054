package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

// Sink consumes annotated frames. Sinks never release the Mat they are given.
type Sink interface {
	Name() string
	Write(ctx context.Context, seq int64, mat gocv.Mat) error
	Close() error
}

// Fanout writes every annotated frame to all registered sinks. A failing sink
// is logged and counted but never stops the others.
type Fanout struct {
	cfg config.Configuration

	mu          sync.Mutex
	sinks       []Sink
	initialized bool
	errors      map[string]int64
}

func NewFanout(cfg config.Configuration, sinks ...Sink) *Fanout {
	return &Fanout{
		cfg:    cfg,
		sinks:  sinks,
		errors: map[string]int64{},
	}
}

// Init adds the sinks that need a live frame before they can exist: the
// passthrough feeding the switch pipe and the local video writer.
func (f *Fanout) Init(passthrough chan<- []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}
	f.initialized = true

	var errs []error
	if passthrough != nil {
		f.sinks = append(f.sinks, newPassthroughSink(f.cfg.ImageExt(), passthrough))
	}

	if f.cfg.Output.Local.Video.Active {
		vs, err := newVideoSink(f.cfg)
		if err != nil {
			errs = append(errs, err)
		} else {
			f.sinks = append(f.sinks, vs)
		}
	}

	return errors.Join(errs...)
}

func (f *Fanout) AddSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Step writes mat to every sink in registration order
func (f *Fanout) Step(ctx context.Context, seq int64, mat gocv.Mat) error {
	f.mu.Lock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := f.write(ctx, s, seq, mat); err != nil {
			f.mu.Lock()
			f.errors[s.Name()]++
			f.mu.Unlock()

			lgr.Logger.Warn("sink write failed",
				slog.String("sink", s.Name()),
				slog.Int64("frame", seq),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) write(ctx context.Context, s Sink, seq int64, mat gocv.Mat) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.Write(ctx, seq, mat)
}

// Errors returns the failure count per sink
func (f *Fanout) Errors() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]int64, len(f.errors))
	for k, v := range f.errors {
		out[k] = v
	}
	return out
}

// Stop closes every sink
func (f *Fanout) Stop() error {
	f.mu.Lock()
	sinks := f.sinks
	f.sinks = nil
	f.initialized = false
	f.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
