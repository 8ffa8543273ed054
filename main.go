package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/mode"
	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
	"github.com/khaledhikmat/vs-detect/service/vision"
)

const (
	// WARNING: this has to be bigger that the mode processor shutdown time
	waitOnShutdown = 8 * time.Second
)

var modeProcessors = map[string]mode.Processor{
	"detect":  mode.Detector,
	"monitor": mode.Monitor,
}

func main() {
	rootCtx := context.Background()
	canxCtx, canxFn := context.WithCancel(rootCtx)

	// Hook up a signal handler to cancel the context
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		lgr.Logger.Info(
			"received kill signal",
			slog.Any("signal", sig),
		)
		canxFn()
	}()

	// Load env vars if we are in DEV mode
	if os.Getenv("RUN_TIME_ENV") == "dev" || os.Getenv("RUN_TIME_ENV") == "" {
		lgr.Logger.Info("loading env vars from .env file")
		err := godotenv.Load()
		if err != nil {
			lgr.Logger.Warn("no .env file loaded", slog.Any("error", xerrors.New(err.Error())))
		}
	}

	// The logger is rebuilt once the .env file had a chance to set it up
	lgr.Init(lgr.Options{
		Level:  os.Getenv("LOG_LEVEL"),
		Pretty: os.Getenv("RUN_TIME_ENV") == "dev" || os.Getenv("RUN_TIME_ENV") == "",
		File:   os.Getenv("LOG_FILE"),
	})

	modeType := "detect"
	args := os.Args[1:]
	if len(args) > 0 {
		modeType = args[0]
	}

	modeProc, ok := modeProcessors[modeType]
	if !ok {
		lgr.Logger.Error("invalid mode", slog.String("mode", modeType))
		panic("invalid mode")
	}

	// Config service
	cfgSvc := config.NewHardCoded()

	svcs := pipeline.ServicesFactory{
		CfgSvc: cfgSvc,
		VisionFac: func(cfg config.Configuration) (vision.IService, error) {
			return vision.New(cfg, vision.Options{DataDir: os.Getenv("OPENCV_DATA_DIR")})
		},
	}

	// Sync service: only the detector publishes events
	if modeType == "detect" {
		syncSvc, stopSync, err := newSyncService(canxCtx, cfgSvc)
		if err != nil {
			lgr.Logger.Error("error creating sync service", slog.Any("error", xerrors.New(err.Error())))
			panic("error creating sync service")
		}
		defer stopSync()
		svcs.SyncSvc = syncSvc
	}

	// Create mode processor result
	modeProcResult := make(chan error)
	defer close(modeProcResult)

	// Start the mode processor
	go func() {
		modeProcResult <- modeProc(canxCtx, svcs)
	}()

	// Wait for cancellation or mode proc
	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"detection pod context cancelled",
			)
			goto resume

		case err := <-modeProcResult:
			if err != nil {
				lgr.Logger.Info(
					"detection pod mode processor exited",
					slog.Any("error", xerrors.New(err.Error())),
				)
			}
			goto resume
		}
	}

	// Wait in a non-blocking way for `waitOnShutdown` for all the go routines to exit
	// This is needed because the go routines may need to report errors as they are existing
resume:
	// Cancel the context if not already cancelled
	if canxCtx.Err() == nil {
		// Force cancel the context
		canxFn()
	}

	lgr.Logger.Info(
		"detection pod is waiting for all go routines to exit",
	)

	// The only way to exit the main function is to wait for the shutdown
	// duration
	timer := time.NewTimer(waitOnShutdown)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			// Timer expired, proceed with shutdown
			lgr.Logger.Info(
				"detection pod shutdown waiting period expired. Exiting now",
				slog.Duration("period", waitOnShutdown),
			)

			return

		case err := <-modeProcResult:
			if err != nil {
				lgr.Logger.Info(
					"detection pod mode processor exited",
					slog.Any("error", xerrors.New(err.Error())),
				)
			}
		}
	}
}

// newSyncService builds the event bus: a websocket hub served on the sync
// address plus an MQTT bridge when the output synchronization asks for one.
func newSyncService(ctx context.Context, cfgSvc config.IService) (syncbus.IService, func(), error) {
	cfg, err := cfgSvc.GetRunConfiguration()
	if err != nil {
		return nil, nil, err
	}
	sync := cfg.Output.Synchronization

	hub := syncbus.NewWebsocketHub()
	transports := []syncbus.Transport{hub}

	if sync.Type == "mqtt" {
		bridge := syncbus.NewMQTTBridge(cfgSvc.GetMQTTBroker(), "vs-detect-"+uuid.NewString()[:8], sync.Base)
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := bridge.Connect(connectCtx)
		cancel()
		if err != nil {
			// the bridge keeps retrying in the background
			lgr.Logger.Warn("mqtt broker not reachable yet", slog.Any("error", err))
		}
		transports = append(transports, bridge)
	}

	bus := syncbus.New(syncbus.Options{Active: sync.Active, DefaultChannel: sync.Name}, transports...)

	mux := http.NewServeMux()
	mux.Handle(cfgSvc.GetSyncPath(), hub)
	srv := &http.Server{
		Addr:              cfgSvc.GetSyncListenAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		lgr.Logger.Info("sync endpoint listening",
			slog.String("addr", srv.Addr),
			slog.String("path", cfgSvc.GetSyncPath()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lgr.Logger.Error("sync endpoint failed", slog.Any("error", xerrors.New(err.Error())))
		}
	}()

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = bus.Close()
	}
	return bus, stop, nil
}
