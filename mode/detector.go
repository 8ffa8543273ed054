package mode

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/khaledhikmat/vs-detect/model"
	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/lgr"
)

// The detector runs one detection session until it is cancelled or the
// input transcoder gives up
func Detector(canxCtx context.Context, svcs pipeline.ServicesFactory) error {
	cfg, err := svcs.CfgSvc.GetRunConfiguration()
	if err != nil {
		return model.GenError("detector",
			err,
			map[string]interface{}{"file": svcs.CfgSvc.GetConfigFile()},
			"error loading run configuration").WithCode(pipeline.CodeInvalidConfig)
	}

	session := pipeline.NewSession(svcs)

	res, err := session.Start(canxCtx, cfg)
	if err != nil {
		var f *pipeline.Failure
		if errors.As(err, &f) {
			return model.GenError("detector",
				f,
				map[string]interface{}{"timestamp": f.Timestamp},
				"error starting detection session").WithCode(f.Code)
		}
		return err
	}

	lgr.Logger.Info(
		"detector started",
		slog.String("source", cfg.SourceURL()),
		slog.Int64("elapsed", res.ElapsedMs),
	)

	period := time.Duration(svcs.CfgSvc.GetStatsPeriodicTimeout()) * time.Second
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-canxCtx.Done():
			lgr.Logger.Info(
				"detector context cancelled",
			)
			goto resume

		case <-ticker.C:
			stats, err := session.Stats()
			if errors.Is(err, pipeline.ErrNotRunning) {
				// the input ended for good and the session tore itself down
				procError(model.GenError("detector",
					err,
					map[string]interface{}{},
					"detection session ended on its own").WithCode(pipeline.CodeNotRunning))
				return err
			}
			procStats(canxCtx, svcs.SyncSvc, stats)
		}
	}

resume:
	lgr.Logger.Info(
		"detector is stopping the session",
	)

	// the caller's context is gone, bound the stop by the shutdown time
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(svcs.CfgSvc.GetModeMaxShutdownTime())*time.Second)
	defer cancel()

	res, err = session.Stop(stopCtx, cfg)
	if err != nil {
		procError(err)
		return nil
	}

	lgr.Logger.Info(
		"detector stopped",
		slog.Int64("elapsed", res.ElapsedMs),
	)
	return nil
}
