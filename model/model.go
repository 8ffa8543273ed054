package model

import (
	"fmt"
	"image"
	"runtime/debug"
)

type CustomError struct {
	Processor  string                 `json:"processor"`
	Code       string                 `json:"code"`
	Inner      error                  `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

func GenError(proc string, err error, misc map[string]interface{}, messagef string, args ...interface{}) CustomError {
	return CustomError{
		Processor:  proc,
		Inner:      err,
		Message:    fmt.Sprintf(messagef, args...),
		StackTrace: string(debug.Stack()),
		Misc:       misc,
	}
}

// WithCode sets the machine readable code surfaced to callers
func (e CustomError) WithCode(code string) CustomError {
	e.Code = code
	return e
}

func (e CustomError) Error() string {
	if e.Inner == nil {
		return fmt.Sprintf("%s: %s", e.Processor, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Processor, e.Message, e.Inner)
}

func (e CustomError) Unwrap() error {
	return e.Inner
}

// Match is the best recognizer match for a detected face.
type Match struct {
	Label    string  `json:"label"`
	Distance float64 `json:"distance"`
}

// Detection is one bounding box found in a frame. Confidence is a percentage.
type Detection struct {
	Box        image.Rectangle `json:"box"`
	Confidence float64         `json:"confidence"`
	Match      *Match          `json:"match,omitempty"`
}

// DetectionResult is the outcome of one backend call. A nil *DetectionResult
// means the backend produced nothing (timeout or failure); an empty
// Detections slice means it ran and found nothing.
type DetectionResult struct {
	Detections []Detection `json:"detections"`
}

func (r *DetectionResult) Empty() bool {
	return r == nil || len(r.Detections) == 0
}

// DetectedObject is the wire form of a detection inside a data event.
type DetectedObject struct {
	X          int      `json:"x"`
	Y          int      `json:"y"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Confidence float64  `json:"confidence"`
	Label      string   `json:"label,omitempty"`
	Distance   *float64 `json:"distance,omitempty"`
}

// DataEvent is published once per processed frame.
type DataEvent struct {
	ID        string           `json:"id"`
	Frame     int64            `json:"frame"`
	Objects   []DetectedObject `json:"objects"`
	Timestamp int64            `json:"timestamp"`
}

func NewDataEvent(id string, frame int64, result *DetectionResult, ts int64) DataEvent {
	evt := DataEvent{
		ID:        id,
		Frame:     frame,
		Objects:   []DetectedObject{},
		Timestamp: ts,
	}
	if result == nil {
		return evt
	}

	for _, d := range result.Detections {
		obj := DetectedObject{
			X:          d.Box.Min.X,
			Y:          d.Box.Min.Y,
			Width:      d.Box.Dx(),
			Height:     d.Box.Dy(),
			Confidence: d.Confidence / 100,
		}
		if d.Match != nil {
			dist := d.Match.Distance
			obj.Label = d.Match.Label
			obj.Distance = &dist
		}
		evt.Objects = append(evt.Objects, obj)
	}
	return evt
}

type DispatcherStats struct {
	Frames        int64   `json:"frames"`
	Dropped       int64   `json:"dropped"`
	Timeouts      int64   `json:"timeouts"`
	BackendErrors int64   `json:"backendErrors"`
	SinkErrors    int64   `json:"sinkErrors"`
	DecodeErrors  int64   `json:"decodeErrors"`
	AvgProcTime   float64 `json:"avgProcTime"`
	Uptime        int64   `json:"uptime"`
	Timestamp     int64   `json:"timestamp"`
}

type SupervisorStats struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Pid       int    `json:"pid"`
	Restarts  int    `json:"restarts"`
	Uptime    int64  `json:"uptime"`
	Timestamp int64  `json:"timestamp"`
}

type SessionStats struct {
	RunID      string           `json:"runId"`
	Input      SupervisorStats  `json:"input"`
	Output     *SupervisorStats `json:"output,omitempty"`
	Dispatcher DispatcherStats  `json:"dispatcher"`
	Timestamp  int64            `json:"timestamp"`
}
