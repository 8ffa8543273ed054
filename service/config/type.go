package config

import "time"

// IService exposes the process-level knobs that are not part of a run's Configuration.
type IService interface {
	GetModeMaxShutdownTime() int
	GetConfigFile() string
	GetTranscoderBinary() string
	GetDispatchQueueSize() int
	GetStopGracePeriod() time.Duration
	GetRestartBackoff() time.Duration
	GetStatsPeriodicTimeout() int
	GetSyncListenAddress() string
	GetSyncPath() string
	GetMQTTBroker() string
	GetDetectionLogFile() string
	GetRunConfiguration() (Configuration, error)
}
