package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/khaledhikmat/vs-detect/service/config"
	"github.com/khaledhikmat/vs-detect/service/syncbus"
	"github.com/khaledhikmat/vs-detect/service/vision"
)

var (
	ErrNotRunning       = errors.New("not running")
	ErrAlreadyRunning   = errors.New("already running")
	ErrSpawnFailure     = errors.New("spawn failure")
	ErrStartTimeout     = errors.New("start handshake timed out")
	ErrStreamAttached   = errors.New("live stream already attached")
	ErrDetectionTimeout = errors.New("detection deadline exceeded")
)

// Failure codes surfaced to the caller of Start/Stop
const (
	CodeNotRunning     = "NotRunning"
	CodeAlreadyRunning = "AlreadyRunning"
	CodeSpawnFailure   = "SpawnFailure"
	CodeStartTimeout   = "StartTimeout"
	CodeInvalidConfig  = "InvalidConfig"
	CodeInternal       = "Internal"
)

// VisionFactory builds the vision backend for one run
type VisionFactory func(cfg config.Configuration) (vision.IService, error)

type ServicesFactory struct {
	CfgSvc    config.IService
	SyncSvc   syncbus.IService
	VisionFac VisionFactory
}

// Result is what Start and Stop resolve to
type Result struct {
	Timestamp int64                `json:"timestamp"`
	ElapsedMs int64                `json:"elapsed"`
	Config    config.Configuration `json:"config"`
}

// Failure is what Start and Stop reject with
type Failure struct {
	Timestamp int64                `json:"timestamp"`
	Code      string               `json:"code"`
	Message   string               `json:"message"`
	Data      interface{}          `json:"data,omitempty"`
	Config    config.Configuration `json:"config"`
	Inner     error                `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Inner
}

func newFailure(cfg config.Configuration, err error) *Failure {
	code := CodeInternal
	switch {
	case errors.Is(err, ErrNotRunning):
		code = CodeNotRunning
	case errors.Is(err, ErrAlreadyRunning):
		code = CodeAlreadyRunning
	case errors.Is(err, ErrSpawnFailure):
		code = CodeSpawnFailure
	case errors.Is(err, ErrStartTimeout):
		code = CodeStartTimeout
	case errors.Is(err, errInvalidConfig):
		code = CodeInvalidConfig
	}

	return &Failure{
		Timestamp: time.Now().UnixMilli(),
		Code:      code,
		Message:   err.Error(),
		Config:    cfg,
		Inner:     err,
	}
}

var errInvalidConfig = errors.New("invalid configuration")
