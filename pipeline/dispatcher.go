package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
	"github.com/khaledhikmat/vs-detect/service/vision"
)

const defaultQueueSize = 5

type DispatcherOptions struct {
	// QueueSize bounds the frames waiting for the worker. The oldest waiting
	// frame is dropped when a new one arrives at a full queue.
	QueueSize    int
	RunID        string
	DetectionLog io.Writer
	// OnFirstFrame runs once per run after the spawn handshake is sent
	OnFirstFrame func()
	// OnFrame observes every decoded frame before it is queued
	OnFrame func(f *Frame)
}

// Dispatcher decodes input frames, runs the vision backend on them under a
// deadline and hands the annotated result to the fanout.
type Dispatcher struct {
	cfg       config.Configuration
	backend   func(ctx context.Context, mat gocv.Mat) (*model.DetectionResult, error)
	annotator *Annotator
	fanout    *Fanout
	syncSvc   syncbus.IService
	opts      DispatcherOptions
	log       *detectionLog

	qmu     sync.Mutex
	queue   []*Frame
	stopped bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq       atomic.Int64
	first     sync.Once
	startedAt time.Time

	frames        atomic.Int64
	dropped       atomic.Int64
	timeouts      atomic.Int64
	backendErrors atomic.Int64
	sinkErrors    atomic.Int64
	decodeErrors  atomic.Int64
	procNanos     atomic.Int64
}

func NewDispatcher(cfg config.Configuration, svc vision.IService, annotator *Annotator, fanout *Fanout, syncSvc syncbus.IService, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	d := &Dispatcher{
		cfg:       cfg,
		annotator: annotator,
		fanout:    fanout,
		syncSvc:   syncSvc,
		opts:      opts,
		wake:      make(chan struct{}, 1),
		stopped:   true,
	}

	// the backend is bound once for the whole run
	d.backend = svc.Detect
	if cfg.Processing.Settings.Type == config.ProcessingFaceRecognition {
		d.backend = svc.Recognize
	}

	if opts.DetectionLog != nil {
		d.log = &detectionLog{w: opts.DetectionLog}
	}
	return d
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if !d.stopped {
		return
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.stopped = false
	d.startedAt = time.Now()
	d.first = sync.Once{}

	d.wg.Add(1)
	go d.work()
}

// AttachStream decodes the concatenated JPEG stream r until it ends
func (d *Dispatcher) AttachStream(r io.Reader) error {
	sc := newJPEGScanner(r)
	for sc.Scan() {
		buf := make([]byte, len(sc.Bytes()))
		copy(buf, sc.Bytes())

		mat, err := gocv.IMDecode(buf, gocv.IMReadColor)
		if err != nil || mat.Empty() {
			if err == nil {
				mat.Close()
			}
			d.decodeErrors.Add(1)
			lgr.Logger.Debug("dropping undecodable frame", slog.Int("bytes", len(buf)), slog.Any("error", err))
			continue
		}

		f := NewFrame(mat, d.seq.Add(1))
		if d.opts.OnFrame != nil {
			d.opts.OnFrame(f)
		}

		d.first.Do(d.firstFrame)
		d.Enqueue(f)
	}
	return sc.Err()
}

// firstFrame announces the input is producing frames
func (d *Dispatcher) firstFrame() {
	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	lgr.Logger.Info("first frame received", slog.String("runID", d.opts.RunID))
	if d.syncSvc != nil {
		evt := syncbus.Event{Cmd: syncbus.ChannelSpawnSuccess, Msg: syncbus.ChannelSpawnSuccess}
		if err := d.syncSvc.Sync(ctx, syncbus.ChannelSpawnSuccess, evt); err != nil {
			lgr.Logger.Debug("spawn handshake not delivered", slog.Any("error", err))
		}
	}
	if d.opts.OnFirstFrame != nil {
		d.opts.OnFirstFrame()
	}
}

// Enqueue hands f to the worker. The dispatcher owns f from here on.
func (d *Dispatcher) Enqueue(f *Frame) {
	d.qmu.Lock()
	if d.stopped {
		d.qmu.Unlock()
		f.Release()
		return
	}

	var dropped *Frame
	if len(d.queue) >= d.opts.QueueSize {
		dropped = d.queue[0]
		d.queue = d.queue[1:]
	}
	d.queue = append(d.queue, f)
	d.qmu.Unlock()

	if dropped != nil {
		d.dropped.Add(1)
		dropped.Release()
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() *Frame {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	f := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return f
}

func (d *Dispatcher) work() {
	defer d.wg.Done()

	for {
		for f := d.next(); f != nil; f = d.next() {
			if d.ctx.Err() != nil {
				f.Release()
				continue
			}
			d.process(f)
		}

		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) process(f *Frame) {
	defer f.Release()
	start := time.Now()

	result, err := d.Dispatch(d.ctx, f)
	switch {
	case errors.Is(err, ErrDetectionTimeout):
		d.timeouts.Add(1)
		lgr.Logger.Warn("detection timed out", slog.Int64("frame", f.Seq))
	case err != nil:
		d.backendErrors.Add(1)
		lgr.Logger.Error("detection failed", slog.Int64("frame", f.Seq), slog.Any("error", err))
	}

	if d.cfg.Output.Synchronization.Active {
		evt := model.NewDataEvent(d.opts.RunID, f.Seq, result, time.Now().UnixMilli())
		notify(d.ctx, d.syncSvc, syncbus.CmdData, evt)
		if err := d.log.write(evt); err != nil {
			lgr.Logger.Debug("detection log write failed", slog.Any("error", err))
		}
	}

	overlay := d.annotator.Process(result, f)
	defer overlay.Close()

	if d.fanout != nil {
		if err := d.fanout.Step(d.ctx, f.Seq, overlay.Mat); err != nil {
			d.sinkErrors.Add(1)
		}
	}

	d.frames.Add(1)
	d.procNanos.Add(int64(time.Since(start)))
}

// Dispatch runs the backend on a copy of f bounded by the detection
// deadline. A late backend result is discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, f *Frame) (*model.DetectionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DetectionDeadline())
	defer cancel()

	clone := f.Mat.Clone()

	type outcome struct {
		res *model.DetectionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer clone.Close()
		res, err := d.backend(ctx, clone)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) {
				return nil, ErrDetectionTimeout
			}
			return nil, o.err
		}
		return o.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrDetectionTimeout
		}
		return nil, ctx.Err()
	}
}

// Stop ends the worker and releases every frame still queued
func (d *Dispatcher) Stop() {
	d.qmu.Lock()
	if d.stopped {
		d.qmu.Unlock()
		return
	}
	d.stopped = true
	d.cancel()
	d.qmu.Unlock()

	d.wg.Wait()

	d.qmu.Lock()
	pending := d.queue
	d.queue = nil
	d.qmu.Unlock()

	for _, f := range pending {
		f.Release()
	}
}

func (d *Dispatcher) Stats() model.DispatcherStats {
	stats := model.DispatcherStats{
		Frames:        d.frames.Load(),
		Dropped:       d.dropped.Load(),
		Timeouts:      d.timeouts.Load(),
		BackendErrors: d.backendErrors.Load(),
		SinkErrors:    d.sinkErrors.Load(),
		DecodeErrors:  d.decodeErrors.Load(),
		Timestamp:     time.Now().Unix(),
	}
	if stats.Frames > 0 {
		stats.AvgProcTime = float64(d.procNanos.Load()) / float64(stats.Frames) / float64(time.Millisecond)
	}

	d.qmu.Lock()
	if !d.stopped {
		stats.Uptime = int64(time.Since(d.startedAt).Seconds())
	}
	d.qmu.Unlock()
	return stats
}
