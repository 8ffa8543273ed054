package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	ProcessingFaceDetection   = "face-detection"
	ProcessingFaceRecognition = "face-recognition"

	ImageTypePNG = "png"
	ImageTypeJPG = "jpg"
)

// Configuration is the record supplied for one run. It is treated as
// read-only for the lifetime of the run.
type Configuration struct {
	Input      Input      `yaml:"input" json:"input"`
	Internal   Internal   `yaml:"internal" json:"internal"`
	Processing Processing `yaml:"processing" json:"processing"`
	Output     Output     `yaml:"output" json:"output"`
}

type Synchronization struct {
	Active   bool   `yaml:"active" json:"active"`
	Type     string `yaml:"type" json:"type"` // websocket | mqtt
	Protocol string `yaml:"protocol" json:"protocol"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Base     string `yaml:"base" json:"base"`
	Name     string `yaml:"name" json:"name"`
	Timeout  int    `yaml:"timeout" json:"timeout"` // seconds
}

type Input struct {
	Synchronization Synchronization `yaml:"synchronization" json:"synchronization"`
	Settings        InputSettings   `yaml:"settings" json:"settings"`
	Source          Source          `yaml:"source" json:"source"`
}

type InputSettings struct {
	LogLevel    string `yaml:"loglevel" json:"loglevel"`
	FPS         int    `yaml:"fps" json:"fps"`
	Scale       Scale  `yaml:"scale" json:"scale"`
	KeepAlive   bool   `yaml:"keepAlive" json:"keepAlive"`
	MaxRestarts int    `yaml:"maxRestarts" json:"maxRestarts"`
}

type Scale struct {
	Active bool `yaml:"active" json:"active"`
	Width  int  `yaml:"width" json:"width"`
	Height int  `yaml:"height" json:"height"`
}

type Source struct {
	Protocol string `yaml:"protocol" json:"protocol"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Base     string `yaml:"base" json:"base"`
	URL      string `yaml:"url" json:"url"`
	Pipe     int    `yaml:"pipe" json:"pipe"`
}

type Internal struct {
	Serve Endpoint `yaml:"serve" json:"serve"`
}

type Endpoint struct {
	Active   bool   `yaml:"active" json:"active"`
	Format   string `yaml:"format" json:"format"`
	Protocol string `yaml:"protocol" json:"protocol"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Base     string `yaml:"base" json:"base"`
	URL      string `yaml:"url" json:"url"`
}

type Processing struct {
	Settings    ProcessingSettings `yaml:"settings" json:"settings"`
	Detection   Detection          `yaml:"detection" json:"detection"`
	Recognition Recognition        `yaml:"recognition" json:"recognition"`
	Draw        Draw               `yaml:"draw" json:"draw"`
}

type ProcessingSettings struct {
	Type string `yaml:"type" json:"type"`
	FPS  int    `yaml:"fps" json:"fps"`
}

type Detection struct {
	Classifier    string  `yaml:"classifier" json:"classifier"`
	Config        string  `yaml:"config" json:"config"`
	ConfidenceMin float64 `yaml:"confidenceMin" json:"confidenceMin"`
}

type Recognition struct {
	Labels      []string `yaml:"labels" json:"labels"`
	DistanceMax float64  `yaml:"distanceMax" json:"distanceMax"`
	AssetsPath  string   `yaml:"assetsPath" json:"assetsPath"`
}

type Draw struct {
	Line Line `yaml:"line" json:"line"`
	Text Text `yaml:"text" json:"text"`
}

type Line struct {
	R         uint8 `yaml:"r" json:"r"`
	G         uint8 `yaml:"g" json:"g"`
	B         uint8 `yaml:"b" json:"b"`
	Thickness int   `yaml:"thickness" json:"thickness"`
}

type Text struct {
	R         uint8   `yaml:"r" json:"r"`
	G         uint8   `yaml:"g" json:"g"`
	B         uint8   `yaml:"b" json:"b"`
	Size      float64 `yaml:"size" json:"size"`
	Thickness int     `yaml:"thickness" json:"thickness"`
	Alpha     float64 `yaml:"alpha" json:"alpha"`
}

type Output struct {
	Synchronization Synchronization `yaml:"synchronization" json:"synchronization"`
	Settings        OutputSettings  `yaml:"settings" json:"settings"`
	Local           Local           `yaml:"local" json:"local"`
	Serve           Endpoint        `yaml:"serve" json:"serve"`
}

type OutputSettings struct {
	LogLevel string     `yaml:"loglevel" json:"loglevel"`
	Image    Resolution `yaml:"image" json:"image"`
	Video    Resolution `yaml:"video" json:"video"`
}

type Resolution struct {
	Type   string `yaml:"type" json:"type"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`
}

type Local struct {
	Image LocalFile `yaml:"image" json:"image"`
	Video LocalFile `yaml:"video" json:"video"`
}

type LocalFile struct {
	Active   bool   `yaml:"active" json:"active"`
	Path     string `yaml:"path" json:"path"`
	Filename string `yaml:"filename" json:"filename"`
	Ext      string `yaml:"ext" json:"ext"`
}

// File returns path/filename.ext
func (f LocalFile) File() string {
	return filepath.Join(f.Path, f.Filename+"."+strings.TrimPrefix(f.Ext, "."))
}

// SourceURL returns the network stream the input transcoder pulls from.
func (c Configuration) SourceURL() string {
	return c.Input.Source.url()
}

func (s Source) url() string {
	if s.URL != "" {
		return s.URL
	}
	return fmt.Sprintf("%s://%s:%d%s", s.Protocol, s.Host, s.Port, s.Base)
}

// ServeURL returns the outbound live-stream endpoint.
func (c Configuration) ServeURL() string {
	return c.Output.Serve.url()
}

func (e Endpoint) url() string {
	if e.URL != "" {
		return e.URL
	}
	return fmt.Sprintf("%s://%s:%d%s", e.Protocol, e.Host, e.Port, e.Base)
}

// PreviewAddr is the listen address of the internal MJPEG preview.
func (c Configuration) PreviewAddr() string {
	return fmt.Sprintf("%s:%d", c.Internal.Serve.Host, c.Internal.Serve.Port)
}

// ProcessingInterval is the time budget of one processed frame.
func (c Configuration) ProcessingInterval() time.Duration {
	if c.Processing.Settings.FPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.Processing.Settings.FPS)
}

// DetectionDeadline is 1000/fps - 20ms, floored at 1ms.
func (c Configuration) DetectionDeadline() time.Duration {
	d := c.ProcessingInterval() - 20*time.Millisecond
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// IsLossless reports whether the output image type carries alpha, in which
// case annotations are drawn on a transparent canvas instead of the frame.
func (c Configuration) IsLossless() bool {
	return strings.EqualFold(c.Output.Settings.Image.Type, ImageTypePNG)
}

// ImageExt returns the encoder extension of the output image type, e.g. ".png"
func (c Configuration) ImageExt() string {
	return "." + strings.ToLower(c.Output.Settings.Image.Type)
}

func (c Configuration) StartTimeout() time.Duration {
	if c.Input.Synchronization.Timeout <= 0 {
		return 0
	}
	return time.Duration(c.Input.Synchronization.Timeout) * time.Second
}
