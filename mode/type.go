package mode

import (
	"context"
	"log/slog"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
)

type Processor func(canxCtx context.Context, svcs pipeline.ServicesFactory) error

func procStats(ctx context.Context, syncSvc syncbus.IService, stats interface{}) {
	switch stats := stats.(type) {
	case model.SessionStats:
		procSessionStats(ctx, syncSvc, stats)
	default:
		lgr.Logger.Error(
			"unknown stats type",
			slog.Any("stats", stats),
		)
	}
}

func procSessionStats(ctx context.Context, syncSvc syncbus.IService, stats model.SessionStats) {
	lgr.Logger.Info(
		"session stats",
		slog.String("runID", stats.RunID),
		slog.String("input", stats.Input.State),
		slog.Int("restarts", stats.Input.Restarts),
		slog.Int64("frames", stats.Dispatcher.Frames),
		slog.Int64("dropped", stats.Dispatcher.Dropped),
		slog.Int64("timeouts", stats.Dispatcher.Timeouts),
		slog.Float64("avgProcTime", stats.Dispatcher.AvgProcTime),
	)

	if syncSvc == nil {
		return
	}
	err := syncSvc.Sync(ctx, "", syncbus.Event{Cmd: syncbus.CmdStatus, Msg: stats})
	if err != nil {
		lgr.Logger.Debug(
			"session stats not delivered",
			slog.Any("error", err),
		)
	}
}

func procError(err interface{}) {
	switch e := err.(type) {
	case model.CustomError:
		lgr.Logger.Error(
			e.Message,
			slog.String("processor", e.Processor),
			slog.String("code", e.Code),
			slog.Any("error", e.Inner),
		)
	default:
		lgr.Logger.Error(
			"mode processor error",
			slog.Any("error", err),
		)
	}
}
