package mode

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/lgr"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
)

// The monitor attaches to a running detector's sync endpoint and logs every
// event it publishes. It reconnects until it is cancelled.
func Monitor(canxCtx context.Context, svcs pipeline.ServicesFactory) error {
	target := syncURL(svcs.CfgSvc.GetSyncListenAddress(), svcs.CfgSvc.GetSyncPath())
	backoff := svcs.CfgSvc.GetRestartBackoff()

	for {
		err := watch(canxCtx, target)
		if canxCtx.Err() != nil {
			lgr.Logger.Info(
				"monitor context cancelled",
			)
			return nil
		}

		lgr.Logger.Warn(
			"monitor connection lost, reconnecting",
			slog.String("url", target),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)

		select {
		case <-canxCtx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func watch(ctx context.Context, target string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	lgr.Logger.Info("monitor connected", slog.String("url", target))

	// unblock ReadMessage on cancellation
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var evt syncbus.Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			lgr.Logger.Debug("monitor dropped malformed event", slog.Any("error", err))
			continue
		}
		logEvent(evt)
	}
}

func logEvent(evt syncbus.Event) {
	attrs := []any{
		slog.String("channel", evt.Channel),
		slog.String("cmd", evt.Cmd),
		slog.Any("msg", evt.Msg),
	}

	switch evt.Cmd {
	case syncbus.CmdError:
		lgr.Logger.Error("event", attrs...)
	case syncbus.CmdDebug:
		lgr.Logger.Debug("event", attrs...)
	default:
		lgr.Logger.Info("event", attrs...)
	}
}

// syncURL turns a listen address such as ":8081" into a dialable ws URL
func syncURL(addr, path string) string {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	u := url.URL{Scheme: "ws", Host: host, Path: path}
	return u.String()
}
