package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Default returns the configuration a run uses when nothing overrides it.
func Default() Configuration {
	return Configuration{
		Input: Input{
			Synchronization: Synchronization{
				Type:    "websocket",
				Name:    "detection",
				Timeout: 10,
			},
			Settings: InputSettings{
				LogLevel:    "warning",
				FPS:         25,
				MaxRestarts: 3,
			},
			Source: Source{
				Protocol: "rtmp",
				Host:     "localhost",
				Port:     1935,
				Base:     "/live/demo",
			},
		},
		Internal: Internal{
			Serve: Endpoint{
				Protocol: "http",
				Host:     "localhost",
				Port:     8090,
				Base:     "/preview",
			},
		},
		Processing: Processing{
			Settings: ProcessingSettings{
				Type: ProcessingFaceDetection,
				FPS:  1,
			},
			Detection: Detection{
				Classifier:    "HAAR_FRONTALFACE_ALT2",
				ConfidenceMin: 20,
			},
			Recognition: Recognition{
				DistanceMax: 200,
				AssetsPath:  "assets/image",
			},
			Draw: Draw{
				Line: Line{R: 128, G: 255, B: 0, Thickness: 1},
				Text: Text{R: 128, G: 255, B: 0, Size: 1, Thickness: 1, Alpha: 0},
			},
		},
		Output: Output{
			Synchronization: Synchronization{
				Type: "websocket",
				Name: "detection",
			},
			Settings: OutputSettings{
				LogLevel: "warning",
				Image:    Resolution{Type: ImageTypePNG, Width: 1920, Height: 1080},
				Video:    Resolution{Type: "mp4v", Width: 1920, Height: 1080},
			},
			Local: Local{
				Image: LocalFile{Path: "tmp/images/", Filename: "output", Ext: "png"},
				Video: LocalFile{Path: "tmp/videos/", Filename: "output", Ext: "mp4"},
			},
			Serve: Endpoint{
				Format:   "rtp_mpegts",
				Protocol: "rtmp",
				Host:     "localhost",
				Port:     1935,
				Base:     "/detection/demo",
			},
		},
	}
}

// Load builds a configuration from the defaults, the YAML file at path
// (skipped when path is empty or missing) and the environment.
func Load(path string) (Configuration, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, xerrors.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, xerrors.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

type envBinding struct {
	name string
	set  func(c *Configuration, v string) error
}

func str(f func(c *Configuration) *string) func(*Configuration, string) error {
	return func(c *Configuration, v string) error {
		*f(c) = v
		return nil
	}
}

func integer(f func(c *Configuration) *int) func(*Configuration, string) error {
	return func(c *Configuration, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

func boolean(f func(c *Configuration) *bool) func(*Configuration, string) error {
	return func(c *Configuration, v string) error {
		*f(c) = strings.EqualFold(v, "true")
		return nil
	}
}

func float(f func(c *Configuration) *float64) func(*Configuration, string) error {
	return func(c *Configuration, v string) error {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

func color(f func(c *Configuration) *uint8) func(*Configuration, string) error {
	return func(c *Configuration, v string) error {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return err
		}
		*f(c) = uint8(n)
		return nil
	}
}

var envBindings = []envBinding{
	{"INPUT_SYNC_USE", boolean(func(c *Configuration) *bool { return &c.Input.Synchronization.Active })},
	{"INPUT_SYNC_NAME", str(func(c *Configuration) *string { return &c.Input.Synchronization.Name })},
	{"INPUT_SYNC_TIMEOUT", integer(func(c *Configuration) *int { return &c.Input.Synchronization.Timeout })},
	{"INPUT_SETTINGS_LOG_LEVEL", str(func(c *Configuration) *string { return &c.Input.Settings.LogLevel })},
	{"INPUT_SETTINGS_FPS", integer(func(c *Configuration) *int { return &c.Input.Settings.FPS })},
	{"INPUT_SETTINGS_SCALE_USE", boolean(func(c *Configuration) *bool { return &c.Input.Settings.Scale.Active })},
	{"INPUT_SETTINGS_SCALE_WIDTH", integer(func(c *Configuration) *int { return &c.Input.Settings.Scale.Width })},
	{"INPUT_SETTINGS_SCALE_HEIGHT", integer(func(c *Configuration) *int { return &c.Input.Settings.Scale.Height })},
	{"INPUT_SETTINGS_KEEP_ALIVE", boolean(func(c *Configuration) *bool { return &c.Input.Settings.KeepAlive })},
	{"INPUT_STREAM_SOURCE_PROT", str(func(c *Configuration) *string { return &c.Input.Source.Protocol })},
	{"INPUT_STREAM_SOURCE_HOST", str(func(c *Configuration) *string { return &c.Input.Source.Host })},
	{"INPUT_STREAM_SOURCE_PORT", integer(func(c *Configuration) *int { return &c.Input.Source.Port })},
	{"INPUT_STREAM_SOURCE_BASE", str(func(c *Configuration) *string { return &c.Input.Source.Base })},
	{"INPUT_PIPE_SOURCE_PORT", integer(func(c *Configuration) *int { return &c.Input.Source.Pipe })},

	{"INTERNAL_SERVE_USE", boolean(func(c *Configuration) *bool { return &c.Internal.Serve.Active })},
	{"INTERNAL_SERVE_PROT", str(func(c *Configuration) *string { return &c.Internal.Serve.Protocol })},
	{"INTERNAL_SERVE_HOST", str(func(c *Configuration) *string { return &c.Internal.Serve.Host })},
	{"INTERNAL_SERVE_PORT", integer(func(c *Configuration) *int { return &c.Internal.Serve.Port })},
	{"INTERNAL_SERVE_BASE", str(func(c *Configuration) *string { return &c.Internal.Serve.Base })},

	{"PROCESSING_SETTINGS_TYPE", str(func(c *Configuration) *string { return &c.Processing.Settings.Type })},
	{"PROCESSING_SETTINGS_FPS", integer(func(c *Configuration) *int { return &c.Processing.Settings.FPS })},
	{"PROCESSING_DETECTION_CASCADE_CLASSIFIER_TYPE", str(func(c *Configuration) *string { return &c.Processing.Detection.Classifier })},
	{"PROCESSING_DETECTION_CONFIG", str(func(c *Configuration) *string { return &c.Processing.Detection.Config })},
	{"PROCESSING_DETECTION_CONFIDENCE_MIN", float(func(c *Configuration) *float64 { return &c.Processing.Detection.ConfidenceMin })},
	{"PROCESSING_RECOGNITION_DISTANCE_MAX", float(func(c *Configuration) *float64 { return &c.Processing.Recognition.DistanceMax })},
	{"PROCESSING_RECOGNITION_ASSETS_PATH", str(func(c *Configuration) *string { return &c.Processing.Recognition.AssetsPath })},
	{"PROCESSING_RECOGNITION_ASSETS_LABELS", func(c *Configuration, v string) error {
		c.Processing.Recognition.Labels = splitList(v)
		return nil
	}},
	{"PROCESSING_DRAWING_LINE_COLOR_R", color(func(c *Configuration) *uint8 { return &c.Processing.Draw.Line.R })},
	{"PROCESSING_DRAWING_LINE_COLOR_G", color(func(c *Configuration) *uint8 { return &c.Processing.Draw.Line.G })},
	{"PROCESSING_DRAWING_LINE_COLOR_B", color(func(c *Configuration) *uint8 { return &c.Processing.Draw.Line.B })},
	{"PROCESSING_DRAWING_LINE_THICKNESS", integer(func(c *Configuration) *int { return &c.Processing.Draw.Line.Thickness })},
	{"PROCESSING_DRAWING_TEXT_COLOR_R", color(func(c *Configuration) *uint8 { return &c.Processing.Draw.Text.R })},
	{"PROCESSING_DRAWING_TEXT_COLOR_G", color(func(c *Configuration) *uint8 { return &c.Processing.Draw.Text.G })},
	{"PROCESSING_DRAWING_TEXT_COLOR_B", color(func(c *Configuration) *uint8 { return &c.Processing.Draw.Text.B })},
	{"PROCESSING_DRAWING_TEXT_SIZE", float(func(c *Configuration) *float64 { return &c.Processing.Draw.Text.Size })},
	{"PROCESSING_DRAWING_TEXT_THICKNESS", integer(func(c *Configuration) *int { return &c.Processing.Draw.Text.Thickness })},
	{"PROCESSING_DRAWING_TEXT_BACKGROUND_ALPHA", float(func(c *Configuration) *float64 { return &c.Processing.Draw.Text.Alpha })},

	{"OUTPUT_SYNC_USE", boolean(func(c *Configuration) *bool { return &c.Output.Synchronization.Active })},
	{"OUTPUT_SYNC_TYPE", str(func(c *Configuration) *string { return &c.Output.Synchronization.Type })},
	{"OUTPUT_SYNC_PROT", str(func(c *Configuration) *string { return &c.Output.Synchronization.Protocol })},
	{"OUTPUT_SYNC_HOST", str(func(c *Configuration) *string { return &c.Output.Synchronization.Host })},
	{"OUTPUT_SYNC_PORT", integer(func(c *Configuration) *int { return &c.Output.Synchronization.Port })},
	{"OUTPUT_SYNC_BASE", str(func(c *Configuration) *string { return &c.Output.Synchronization.Base })},
	{"OUTPUT_SYNC_NAME", str(func(c *Configuration) *string { return &c.Output.Synchronization.Name })},
	{"OUTPUT_SETTINGS_LOG_LEVEL", str(func(c *Configuration) *string { return &c.Output.Settings.LogLevel })},
	{"OUTPUT_SETTINGS_IMAGE_TYPE", str(func(c *Configuration) *string { return &c.Output.Settings.Image.Type })},
	{"OUTPUT_SETTINGS_IMAGE_RESOLUTION_WIDTH", integer(func(c *Configuration) *int { return &c.Output.Settings.Image.Width })},
	{"OUTPUT_SETTINGS_IMAGE_RESOLUTION_HEIGHT", integer(func(c *Configuration) *int { return &c.Output.Settings.Image.Height })},
	{"OUTPUT_SETTINGS_VIDEO_TYPE", str(func(c *Configuration) *string { return &c.Output.Settings.Video.Type })},
	{"OUTPUT_SETTINGS_VIDEO_RESOLUTION_WIDTH", integer(func(c *Configuration) *int { return &c.Output.Settings.Video.Width })},
	{"OUTPUT_SETTINGS_VIDEO_RESOLUTION_HEIGHT", integer(func(c *Configuration) *int { return &c.Output.Settings.Video.Height })},
	{"OUTPUT_LOCAL_IMAGE_USE", boolean(func(c *Configuration) *bool { return &c.Output.Local.Image.Active })},
	{"OUTPUT_LOCAL_IMAGE_PATH", str(func(c *Configuration) *string { return &c.Output.Local.Image.Path })},
	{"OUTPUT_LOCAL_IMAGE_FILENAME", str(func(c *Configuration) *string { return &c.Output.Local.Image.Filename })},
	{"OUTPUT_LOCAL_IMAGE_FILEEXTENSION", str(func(c *Configuration) *string { return &c.Output.Local.Image.Ext })},
	{"OUTPUT_LOCAL_VIDEO_USE", boolean(func(c *Configuration) *bool { return &c.Output.Local.Video.Active })},
	{"OUTPUT_LOCAL_VIDEO_PATH", str(func(c *Configuration) *string { return &c.Output.Local.Video.Path })},
	{"OUTPUT_LOCAL_VIDEO_FILENAME", str(func(c *Configuration) *string { return &c.Output.Local.Video.Filename })},
	{"OUTPUT_LOCAL_VIDEO_FILEEXTENSION", str(func(c *Configuration) *string { return &c.Output.Local.Video.Ext })},
	{"OUTPUT_SERVE_USE", boolean(func(c *Configuration) *bool { return &c.Output.Serve.Active })},
	{"OUTPUT_SERVE_FRMT", str(func(c *Configuration) *string { return &c.Output.Serve.Format })},
	{"OUTPUT_SERVE_PROT", str(func(c *Configuration) *string { return &c.Output.Serve.Protocol })},
	{"OUTPUT_SERVE_HOST", str(func(c *Configuration) *string { return &c.Output.Serve.Host })},
	{"OUTPUT_SERVE_PORT", integer(func(c *Configuration) *int { return &c.Output.Serve.Port })},
	{"OUTPUT_SERVE_BASE", str(func(c *Configuration) *string { return &c.Output.Serve.Base })},
}

// ApplyEnv overrides fields from the environment. lookup is normally os.LookupEnv.
func (c *Configuration) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			return xerrors.Errorf("env %s=%q: %w", b.name, v, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects configurations a run cannot start with.
func (c Configuration) Validate() error {
	var errs []error

	switch c.Processing.Settings.Type {
	case ProcessingFaceDetection, ProcessingFaceRecognition:
	default:
		errs = append(errs, fmt.Errorf("unknown processing type %q", c.Processing.Settings.Type))
	}

	if c.Processing.Settings.FPS <= 0 {
		errs = append(errs, fmt.Errorf("processing fps must be positive, got %d", c.Processing.Settings.FPS))
	}

	if c.Input.Settings.FPS <= 0 {
		errs = append(errs, fmt.Errorf("input fps must be positive, got %d", c.Input.Settings.FPS))
	}

	switch strings.ToLower(c.Output.Settings.Image.Type) {
	case ImageTypePNG, ImageTypeJPG:
	default:
		errs = append(errs, fmt.Errorf("unknown output image type %q", c.Output.Settings.Image.Type))
	}

	if c.Output.Settings.Image.Width <= 0 || c.Output.Settings.Image.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid output image resolution %dx%d",
			c.Output.Settings.Image.Width, c.Output.Settings.Image.Height))
	}

	if c.Output.Local.Video.Active {
		if len(c.Output.Settings.Video.Type) != 4 {
			errs = append(errs, fmt.Errorf("video type %q is not a fourcc", c.Output.Settings.Video.Type))
		}
		if c.Output.Local.Video.Filename == "" {
			errs = append(errs, errors.New("local video sink is active without a filename"))
		}
	}

	if c.Output.Local.Image.Active && c.Output.Local.Image.Filename == "" {
		errs = append(errs, errors.New("local image sink is active without a filename"))
	}

	if c.Input.Settings.Scale.Active && (c.Input.Settings.Scale.Width <= 0 || c.Input.Settings.Scale.Height <= 0) {
		errs = append(errs, fmt.Errorf("invalid input scale %dx%d",
			c.Input.Settings.Scale.Width, c.Input.Settings.Scale.Height))
	}

	return errors.Join(errs...)
}
