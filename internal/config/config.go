package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/capture"
)

// Classifier backends.
const (
	BackendLogistic = "logistic"
	BackendONNX     = "onnx"
	BackendSidecar  = "sidecar"
)

// Interval bounds for the detection loop.
const (
	MinInterval = 500 * time.Millisecond
	MaxInterval = 5 * time.Second
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the operator configuration of the NIDS.
type Config struct {
	Capture   CaptureConfig   `yaml:"capture"`
	Detection DetectionConfig `yaml:"detection"`
	Model     ModelConfig     `yaml:"model"`
	API       APIConfig       `yaml:"api"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Log       LogConfig       `yaml:"log"`
	Profiling ProfilingConfig `yaml:"profiling"`
}

// CaptureConfig selects the packet source.
type CaptureConfig struct {
	Interface             string `yaml:"interface"`
	Mode                  string `yaml:"mode" default:"live"`
	PcapFile              string `yaml:"pcap_file"`
	BPFFilter             string `yaml:"bpf_filter"`
	SimulateOnUnavailable bool   `yaml:"simulate_on_unavailable"`
	SimulationBatch       int    `yaml:"simulation_batch" default:"10"`
	SimulationSeed        uint64 `yaml:"simulation_seed"`
}

// DetectionConfig tunes the detection loop.
type DetectionConfig struct {
	// Autostart begins monitoring when the process starts.
	Autostart      bool          `yaml:"autostart"`
	Threshold      float64       `yaml:"threshold" default:"0.8"`
	Interval       time.Duration `yaml:"interval" default:"1s"`
	PredictTimeout time.Duration `yaml:"predict_timeout" default:"2s"`
	QueueSize      int           `yaml:"queue_size" default:"4096"`
	HistorySize    int           `yaml:"history_size" default:"10000"`
}

// ModelConfig selects the classifier backend and artifact location.
type ModelConfig struct {
	Backend string `yaml:"backend" default:"logistic"`
	// Dir defaults to PathConfig.ModelDir.
	Dir            string        `yaml:"dir"`
	ONNXPath       string        `yaml:"onnx_path"`
	ONNXLibrary    string        `yaml:"onnx_library"`
	SidecarAddress string        `yaml:"sidecar_address" default:"127.0.0.1:50051"`
	SidecarTimeout time.Duration `yaml:"sidecar_timeout" default:"1s"`
}

// APIConfig configures the HTTP display API.
type APIConfig struct {
	Listen string `yaml:"listen" default:":8080"`
}

// AlertingConfig configures threat forwarding to NATS. Empty NATSURL
// disables forwarding.
type AlertingConfig struct {
	NATSURL     string        `yaml:"nats_url"`
	Subject     string        `yaml:"subject" default:"nids.threats"`
	DedupSize   int           `yaml:"dedup_size" default:"1024"`
	DedupWindow time.Duration `yaml:"dedup_window" default:"30s"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"text"`
}

// ProfilingConfig enables runtime profiling. Both fields empty disables it.
type ProfilingConfig struct {
	PprofAddr string `yaml:"pprof_addr"`
	Dir       string `yaml:"dir"`
}

// Default returns a Config holding only default values.
func Default() *Config {
	cfg := &Config{}
	// Static tags on a zero struct cannot fail.
	_ = defaults.Set(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Keys absent from data keep their current value.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document leaves the defaults in place.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid field, joined.
func (c *Config) Validate() error {
	var errs []error

	if !(c.Detection.Threshold >= 0 && c.Detection.Threshold <= 1) {
		errs = append(errs, fmt.Errorf("detection.threshold %v outside [0,1]", c.Detection.Threshold))
	}
	if c.Detection.Interval < MinInterval || c.Detection.Interval > MaxInterval {
		errs = append(errs, fmt.Errorf("detection.interval %s outside [%s,%s]", c.Detection.Interval, MinInterval, MaxInterval))
	}
	if c.Detection.PredictTimeout < 0 {
		errs = append(errs, fmt.Errorf("detection.predict_timeout %s is negative", c.Detection.PredictTimeout))
	}
	if c.Detection.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("detection.queue_size must be positive"))
	}
	if c.Detection.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("detection.history_size must be positive"))
	}

	mode, err := capture.ParseMode(c.Capture.Mode)
	if err != nil {
		errs = append(errs, fmt.Errorf("capture.mode: %w", err))
	} else {
		if mode.IsLive() && c.Capture.Interface == "" && !c.Capture.SimulateOnUnavailable {
			errs = append(errs, fmt.Errorf("capture.interface is required for %s capture", mode))
		}
		if mode == capture.ModePCAP && c.Capture.PcapFile == "" {
			errs = append(errs, fmt.Errorf("capture.pcap_file is required for pcap mode"))
		}
	}

	switch c.Model.Backend {
	case BackendLogistic:
	case BackendONNX:
		if c.Model.ONNXPath == "" {
			errs = append(errs, fmt.Errorf("model.onnx_path is required for the onnx backend"))
		}
	case BackendSidecar:
		if c.Model.SidecarAddress == "" {
			errs = append(errs, fmt.Errorf("model.sidecar_address is required for the sidecar backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.backend %q is not one of %s, %s, %s",
			c.Model.Backend, BackendLogistic, BackendONNX, BackendSidecar))
	}

	if c.Alerting.NATSURL != "" && c.Alerting.Subject == "" {
		errs = append(errs, fmt.Errorf("alerting.subject is required when alerting.nats_url is set"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// ModelDir returns the artifact directory, falling back to the path defaults.
func (c *Config) ModelDir() string {
	if c.Model.Dir != "" {
		return c.Model.Dir
	}
	return DefaultPathConfig().ModelDir
}

// ONNXLibrary returns the ONNX Runtime library path, falling back to the path
// defaults.
func (c *Config) ONNXLibrary() string {
	if c.Model.ONNXLibrary != "" {
		return c.Model.ONNXLibrary
	}
	return DefaultPathConfig().ONNXLibraryPath
}
