package pipeline

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/natefinch/lumberjack"

	"github.com/khaledhikmat/vs-detect/model"
)

// NewDetectionLog returns a rotating writer for data events. An empty file
// name disables the log.
func NewDetectionLog(file string) io.WriteCloser {
	if file == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     7, // days
		Compress:   true,
	}
}

// detectionLog writes one JSON line per data event
type detectionLog struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *detectionLog) write(evt model.DataEvent) error {
	if l == nil || l.w == nil {
		return nil
	}

	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(b)
	return err
}
