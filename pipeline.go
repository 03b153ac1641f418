package main

import (
	"fmt"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/capture"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/config"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/ml"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/monitor"
)

// openBackend returns the configured classifier backend and its closer. A nil
// classifier selects the persisted logistic model.
func openBackend(cfg *config.Config) (ml.Classifier, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Model.Backend {
	case config.BackendONNX:
		onnxCfg := ml.DefaultONNXConfig()
		onnxCfg.SharedLibraryPath = cfg.ONNXLibrary()
		onnxCfg.ModelPath = cfg.Model.ONNXPath

		engine := ml.NewONNXClassifier(onnxCfg)
		if err := engine.Initialize(); err != nil {
			return nil, noop, fmt.Errorf("onnx backend: %w", err)
		}
		return engine, engine.Close, nil

	case config.BackendSidecar:
		grpcCfg := ml.DefaultGRPCClientConfig()
		grpcCfg.Address = cfg.Model.SidecarAddress
		grpcCfg.Timeout = cfg.Model.SidecarTimeout

		client := ml.NewSidecarClassifier(grpcCfg)
		if err := client.Connect(); err != nil {
			return nil, noop, fmt.Errorf("sidecar backend: %w", err)
		}
		return client, client.Close, nil

	default:
		return nil, noop, nil
	}
}

// buildPipeline opens the artifact store and backend and assembles the
// scoring pipeline. The returned closer releases the backend.
func buildPipeline(cfg *config.Config) (*ml.Pipeline, []ml.LoadResult, func() error, error) {
	store, err := ml.NewArtifactStore(cfg.ModelDir())
	if err != nil {
		return nil, nil, nil, err
	}

	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	pipeline, results, err := ml.LoadPipeline(store, backend, &ml.PipelineConfig{
		Threshold:      cfg.Detection.Threshold,
		PredictTimeout: cfg.Detection.PredictTimeout,
	})
	if err != nil {
		closeBackend()
		return nil, nil, nil, err
	}

	logger := logging.StoreLogger()
	for _, res := range results {
		if res.FellBack() {
			logger.Warn("artifact fallback",
				"artifact", res.Artifact,
				"path", res.Path,
				"reason", string(res.Reason),
				"detail", res.Detail,
			)
		}
	}
	return pipeline, results, closeBackend, nil
}

// monitorOptions converts the detection and capture config to run options.
func monitorOptions(cfg *config.Config) (monitor.Options, error) {
	mode, err := capture.ParseMode(cfg.Capture.Mode)
	if err != nil {
		return monitor.Options{}, err
	}

	opts := monitor.DefaultOptions()
	opts.Interface = cfg.Capture.Interface
	opts.Mode = mode
	opts.PcapFile = cfg.Capture.PcapFile
	opts.BPFFilter = cfg.Capture.BPFFilter
	opts.SimulateOnUnavailable = cfg.Capture.SimulateOnUnavailable
	opts.SimulationBatch = cfg.Capture.SimulationBatch
	opts.SimulationSeed = cfg.Capture.SimulationSeed
	opts.Threshold = cfg.Detection.Threshold
	opts.Interval = cfg.Detection.Interval
	opts.PredictTimeout = cfg.Detection.PredictTimeout
	opts.QueueSize = cfg.Detection.QueueSize
	opts.HistorySize = cfg.Detection.HistorySize
	return opts, nil
}
