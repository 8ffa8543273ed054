package config

import (
	"os"
	"strconv"
	"time"
)

type hardcodedService struct {
}

func NewHardCoded() IService {
	return &hardcodedService{}
}

func (svc *hardcodedService) GetModeMaxShutdownTime() int {
	return envInt("MODE_MAX_SHUTDOWN_TIME", 5)
}

func (svc *hardcodedService) GetConfigFile() string {
	return envString("CONFIG_FILE", "./settings/detection.yaml")
}

func (svc *hardcodedService) GetTranscoderBinary() string {
	return envString("FFMPEG_BIN", "ffmpeg")
}

func (svc *hardcodedService) GetDispatchQueueSize() int {
	return envInt("PROCESSING_QUEUE_SIZE", 5)
}

func (svc *hardcodedService) GetStopGracePeriod() time.Duration {
	return time.Duration(envInt("STOP_GRACE_PERIOD_MS", 2000)) * time.Millisecond
}

func (svc *hardcodedService) GetRestartBackoff() time.Duration {
	return time.Duration(envInt("RESTART_BACKOFF_MS", 1000)) * time.Millisecond
}

func (svc *hardcodedService) GetStatsPeriodicTimeout() int {
	return envInt("STATS_PERIODIC_TIMEOUT", 30)
}

func (svc *hardcodedService) GetSyncListenAddress() string {
	return envString("WS_ADDR", ":"+envString("WS_PORT", "8081"))
}

func (svc *hardcodedService) GetSyncPath() string {
	return envString("WS_PATH", "/sync")
}

func (svc *hardcodedService) GetMQTTBroker() string {
	return envString("MQTT_BROKER", "tcp://localhost:1883")
}

func (svc *hardcodedService) GetDetectionLogFile() string {
	return envString("DETECTION_LOG_FILE", "")
}

func (svc *hardcodedService) GetRunConfiguration() (Configuration, error) {
	return Load(svc.GetConfigFile())
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
