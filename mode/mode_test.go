package mode

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khaledhikmat/vs-detect/pipeline"
	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
)

func TestSyncURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8081/sync", syncURL(":8081", "/sync"))
	assert.Equal(t, "ws://10.0.0.5:9000/events", syncURL("10.0.0.5:9000", "/events"))
}

func TestWatchReceivesUntilCancelled(t *testing.T) {
	hub := syncbus.NewWebsocketHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	bus := syncbus.New(syncbus.Options{Active: true}, hub)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	}()

	require.Eventually(t, func() bool { return hub.Listeners() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Sync(context.Background(), "", syncbus.Event{Cmd: syncbus.CmdStatus, Msg: "running"}))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return")
	}
}

type badConfig struct {
	config.IService
}

func (badConfig) GetRunConfiguration() (config.Configuration, error) {
	return config.Configuration{}, assert.AnError
}

func (badConfig) GetConfigFile() string {
	return "missing.yaml"
}

func TestDetectorReportsConfigErrors(t *testing.T) {
	err := Detector(context.Background(), pipeline.ServicesFactory{CfgSvc: badConfig{config.NewHardCoded()}})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "error loading run configuration")
}
