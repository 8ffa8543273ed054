package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hybridgroup/mjpeg"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
	"github.com/khaledhikmat/vs-detect/service/vision"
)

// Session owns one detection run at a time: the image loop, the switch pipe,
// both transcoders, the dispatcher and the output sinks.
type Session struct {
	svcs ServicesFactory

	mu  sync.Mutex
	run *run
}

type run struct {
	id      string
	cfg     config.Configuration
	started time.Time
	cancel  context.CancelFunc

	vision     vision.IService
	loop       *ImageLoop
	pipe       *SwitchPipe
	videoR     *io.PipeReader
	videoW     *io.PipeWriter
	input      *Supervisor
	output     *Supervisor
	dispatcher *Dispatcher
	fanout     *Fanout
	preview    *http.Server
	detLog     io.Closer

	// exited is closed when the input ends for good on its own
	exited   chan struct{}
	exitOnce sync.Once
	stopOnce sync.Once
}

func NewSession(svcs ServicesFactory) *Session {
	return &Session{svcs: svcs}
}

// Running reports whether a run is active
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Start brings the pipeline up. With input synchronization active it returns
// only once the first frame was decoded or the start timeout elapsed.
func (s *Session) Start(ctx context.Context, cfg config.Configuration) (Result, error) {
	started := time.Now()

	if err := cfg.Validate(); err != nil {
		return Result{}, newFailure(cfg, fmt.Errorf("%w: %v", errInvalidConfig, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return Result{}, newFailure(cfg, ErrAlreadyRunning)
	}

	r, handshake, err := s.launch(ctx, cfg)
	if err != nil {
		return Result{}, newFailure(cfg, err)
	}
	s.run = r

	if cfg.Input.Synchronization.Active {
		if err := s.awaitHandshake(ctx, r, handshake); err != nil {
			s.run = nil
			r.stop(context.Background())
			return Result{}, newFailure(cfg, err)
		}
	}

	lgr.Logger.Info("session started",
		slog.String("runID", r.id),
		slog.String("source", cfg.SourceURL()),
		slog.String("type", cfg.Processing.Settings.Type),
		slog.Bool("serve", cfg.Output.Serve.Active),
	)

	return Result{
		Timestamp: time.Now().UnixMilli(),
		ElapsedMs: time.Since(started).Milliseconds(),
		Config:    cfg,
	}, nil
}

func (s *Session) awaitHandshake(ctx context.Context, r *run, handshake <-chan syncbus.Event) error {
	var timeout <-chan time.Time
	if d := r.cfg.StartTimeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-handshake:
		return nil
	case <-r.exited:
		return fmt.Errorf("input: %w: exited before the first frame", ErrSpawnFailure)
	case <-timeout:
		lgr.Logger.Warn("start handshake timed out",
			slog.String("runID", r.id),
			slog.Duration("timeout", r.cfg.StartTimeout()),
		)
		_ = r.input.Timeout()
		notify(ctx, s.svcs.SyncSvc, syncbus.CmdError, "start handshake timed out")
		return ErrStartTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch builds and starts every stage of a run. Whatever was started is torn
// down again when a later stage fails.
func (s *Session) launch(ctx context.Context, cfg config.Configuration) (*run, <-chan syncbus.Event, error) {
	cfgSvc := s.svcs.CfgSvc
	syncSvc := s.svcs.SyncSvc

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:      uuid.NewString(),
		cfg:     cfg,
		started: time.Now(),
		cancel:  cancel,
		exited:  make(chan struct{}),
	}
	r.videoR, r.videoW = io.Pipe()

	fail := func(err error) (*run, <-chan syncbus.Event, error) {
		r.stop(context.Background())
		return nil, nil, err
	}

	var err error
	if s.svcs.VisionFac == nil {
		return fail(fmt.Errorf("%w: no vision backend", errInvalidConfig))
	}
	if r.vision, err = s.svcs.VisionFac(cfg); err != nil {
		return fail(fmt.Errorf("creating vision backend: %w", err))
	}

	r.loop = NewImageLoop(cfg)
	loopOut, err := r.loop.Start(runCtx)
	if err != nil {
		return fail(err)
	}

	r.pipe = NewSwitchPipe()
	stdin, err := r.pipe.Start(runCtx, loopOut)
	if err != nil {
		return fail(err)
	}

	bin := cfgSvc.GetTranscoderBinary()

	if cfg.Output.Serve.Active {
		r.output = NewSupervisor("output", newOutputSpawner(bin, cfg, r.videoR, syncSvc), syncSvc, SupervisorOptions{
			KeepAlive:   cfg.Input.Settings.KeepAlive,
			MaxRestarts: cfg.Input.Settings.MaxRestarts,
			Backoff:     cfgSvc.GetRestartBackoff(),
			Grace:       cfgSvc.GetStopGracePeriod(),
			OnExit: func(err error) {
				// the input blocks on its live stream unless someone reads it
				lgr.Logger.Error("output transcoder gone, discarding live stream",
					slog.String("runID", r.id),
					slog.Any("error", err),
				)
				notify(runCtx, syncSvc, syncbus.CmdError, fmt.Sprintf("output: %v", err))
				go r.drainVideo()
			},
		})
		if err := r.output.Start(runCtx); err != nil {
			return fail(err)
		}
	} else {
		// nobody serves the live stream but the input still writes it
		go r.drainVideo()
	}

	var sinks []Sink
	if cfg.Output.Local.Image.Active {
		is, err := newImageSink(cfg)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, is)
	}
	if cfg.Internal.Serve.Active {
		stream := mjpeg.NewStream()
		r.preview = servePreview(cfg, stream)
		sinks = append(sinks, newPreviewSink(stream))
	}
	r.fanout = NewFanout(cfg, sinks...)

	var detLog io.Writer
	if w := NewDetectionLog(cfgSvc.GetDetectionLogFile()); w != nil {
		r.detLog = w
		detLog = w
	}

	passthrough := make(chan []byte)
	r.dispatcher = NewDispatcher(cfg, r.vision, NewAnnotator(cfg), r.fanout, syncSvc, DispatcherOptions{
		QueueSize:    cfgSvc.GetDispatchQueueSize(),
		RunID:        r.id,
		DetectionLog: detLog,
		OnFirstFrame: func() {
			if err := r.fanout.Init(passthrough); err != nil {
				lgr.Logger.Error("fanout init failed", slog.String("runID", r.id), slog.Any("error", err))
			}
			if err := r.pipe.AddStream(passthrough); err != nil && !errors.Is(err, ErrStreamAttached) {
				lgr.Logger.Error("attaching live stream failed", slog.String("runID", r.id), slog.Any("error", err))
			}
		},
	})
	r.dispatcher.Start(runCtx)

	var input *Supervisor
	lost := func(proc Process, channel string, err error) {
		input.ChannelLost(proc, channel, err)
	}
	input = NewSupervisor("input", newInputSpawner(bin, cfg, stdin, r.dispatcher.AttachStream, r.videoW, syncSvc, lost), syncSvc, SupervisorOptions{
		KeepAlive:   cfg.Input.Settings.KeepAlive,
		MaxRestarts: cfg.Input.Settings.MaxRestarts,
		Backoff:     cfgSvc.GetRestartBackoff(),
		Grace:       cfgSvc.GetStopGracePeriod(),
		OnExit: func(err error) {
			r.exitOnce.Do(func() { close(r.exited) })
			go s.abort(r, err)
		},
	})
	r.input = input

	var handshake <-chan syncbus.Event
	if syncSvc != nil {
		ch, unsubscribe := syncSvc.Subscribe(syncbus.ChannelSpawnSuccess, 1)
		go func() {
			<-runCtx.Done()
			unsubscribe()
		}()
		handshake = ch
	}

	if err := r.input.Start(runCtx); err != nil {
		return fail(err)
	}

	return r, handshake, nil
}

// abort tears down a run whose input ended without a Stop
func (s *Session) abort(r *run, cause error) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.mu.Unlock()

	lgr.Logger.Warn("input ended, tearing down session",
		slog.String("runID", r.id),
		slog.Any("error", cause),
	)
	notify(context.Background(), s.svcs.SyncSvc, syncbus.CmdStatus, "stopped")
	r.stop(context.Background())
}

// Stop tears the running pipeline down
func (s *Session) Stop(ctx context.Context, cfg config.Configuration) (Result, error) {
	started := time.Now()

	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()

	if r == nil {
		return Result{}, newFailure(cfg, ErrNotRunning)
	}

	r.stop(ctx)

	lgr.Logger.Info("session stopped",
		slog.String("runID", r.id),
		slog.Duration("uptime", time.Since(r.started)),
	)

	return Result{
		Timestamp: time.Now().UnixMilli(),
		ElapsedMs: time.Since(started).Milliseconds(),
		Config:    cfg,
	}, nil
}

// Restart respawns the input transcoder of the running pipeline
func (s *Session) Restart() error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()

	if r == nil || r.input == nil {
		return ErrNotRunning
	}
	return r.input.Restart()
}

func (s *Session) Stats() (model.SessionStats, error) {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()

	if r == nil {
		return model.SessionStats{}, ErrNotRunning
	}

	stats := model.SessionStats{
		RunID:      r.id,
		Input:      r.input.Stats(),
		Dispatcher: r.dispatcher.Stats(),
		Timestamp:  time.Now().Unix(),
	}
	if r.output != nil {
		out := r.output.Stats()
		stats.Output = &out
	}
	return stats, nil
}

// stop releases every stage of the run. It is safe on partially built runs.
func (r *run) stop(ctx context.Context) {
	r.stopOnce.Do(func() { r.teardown(ctx) })
}

// drainVideo discards the input's live stream until teardown closes it
func (r *run) drainVideo() {
	_, _ = io.Copy(io.Discard, r.videoR)
}

func (r *run) teardown(ctx context.Context) {
	// the fd 3 copy of the input must not block its exit
	_ = r.videoR.CloseWithError(io.ErrClosedPipe)
	_ = r.videoW.Close()

	if r.input != nil {
		if err := r.input.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			lgr.Logger.Warn("stopping input failed", slog.String("runID", r.id), slog.Any("error", err))
		}
	}
	if r.dispatcher != nil {
		r.dispatcher.Stop()
	}
	if r.output != nil {
		if err := r.output.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			lgr.Logger.Warn("stopping output failed", slog.String("runID", r.id), slog.Any("error", err))
		}
	}
	if r.pipe != nil {
		r.pipe.Stop()
	}
	if r.loop != nil {
		r.loop.Stop()
	}
	if r.fanout != nil {
		if err := r.fanout.Stop(); err != nil {
			lgr.Logger.Warn("closing sinks failed", slog.String("runID", r.id), slog.Any("error", err))
		}
	}
	if r.preview != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = r.preview.Shutdown(shutdownCtx)
		cancel()
	}
	if r.vision != nil {
		_ = r.vision.Close()
	}
	if r.detLog != nil {
		_ = r.detLog.Close()
	}
	r.cancel()
}

// servePreview exposes stream as MJPEG on the internal serve endpoint
func servePreview(cfg config.Configuration, stream *mjpeg.Stream) *http.Server {
	base := cfg.Internal.Serve.Base
	if base == "" {
		base = "/"
	}

	mux := http.NewServeMux()
	mux.Handle(base, stream)

	srv := &http.Server{
		Addr:              cfg.PreviewAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		lgr.Logger.Info("preview listening",
			slog.String("addr", srv.Addr),
			slog.String("path", base),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lgr.Logger.Error("preview server failed", slog.Any("error", err))
		}
	}()
	return srv
}
