package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/alerting"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/api"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/config"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/events"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/monitor"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/profiling"
)

var runFlags struct {
	iface     string
	mode      string
	pcapFile  string
	bpf       string
	threshold float64
	interval  time.Duration
	simulate  bool
	autostart bool
	listen    string
	backend   string
	natsURL   string
	pprof     string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the detection API and run the monitor",
	Long: `run loads the model artifacts, serves the HTTP API and, with --autostart,
begins monitoring immediately. Monitoring can be toggled through
POST /api/v1/monitor/start and /api/v1/monitor/stop.`,
	RunE: runNIDS,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.iface, "interface", "i", "", "Network interface to monitor")
	f.StringVarP(&runFlags.mode, "mode", "m", "", "Capture mode (live, afpacket, pcap, simulation)")
	f.StringVar(&runFlags.pcapFile, "pcap", "", "PCAP file to read in pcap mode")
	f.StringVarP(&runFlags.bpf, "filter", "f", "", "BPF capture filter")
	f.Float64VarP(&runFlags.threshold, "threshold", "t", 0, "Threat score threshold in [0,1]")
	f.DurationVar(&runFlags.interval, "interval", 0, "Polling interval in [0.5s,5s]")
	f.BoolVar(&runFlags.simulate, "simulate-on-unavailable", false, "Fall back to simulation when the interface cannot be opened")
	f.BoolVar(&runFlags.autostart, "autostart", false, "Start monitoring at launch")
	f.StringVar(&runFlags.listen, "listen", "", "API listen address")
	f.StringVar(&runFlags.backend, "backend", "", "Classifier backend (logistic, onnx, sidecar)")
	f.StringVar(&runFlags.natsURL, "nats-url", "", "Forward threats to this NATS server")
	f.StringVar(&runFlags.pprof, "pprof", "", "Serve pprof on this address")

	rootCmd.AddCommand(runCmd)
}

// applyRunFlags overrides config values with the flags the user set.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("interface") {
		cfg.Capture.Interface = runFlags.iface
	}
	if flags.Changed("mode") {
		cfg.Capture.Mode = runFlags.mode
	}
	if flags.Changed("pcap") {
		cfg.Capture.PcapFile = runFlags.pcapFile
	}
	if flags.Changed("filter") {
		cfg.Capture.BPFFilter = runFlags.bpf
	}
	if flags.Changed("threshold") {
		cfg.Detection.Threshold = runFlags.threshold
	}
	if flags.Changed("interval") {
		cfg.Detection.Interval = runFlags.interval
	}
	if flags.Changed("simulate-on-unavailable") {
		cfg.Capture.SimulateOnUnavailable = runFlags.simulate
	}
	if flags.Changed("autostart") {
		cfg.Detection.Autostart = runFlags.autostart
	}
	if flags.Changed("listen") {
		cfg.API.Listen = runFlags.listen
	}
	if flags.Changed("backend") {
		cfg.Model.Backend = runFlags.backend
	}
	if flags.Changed("nats-url") {
		cfg.Alerting.NATSURL = runFlags.natsURL
	}
	if flags.Changed("pprof") {
		cfg.Profiling.PprofAddr = runFlags.pprof
	}
}

func runNIDS(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Default()
	logging.LogRuntimeInfo()

	ctx := cmd.Context()

	profCfg := profiling.DefaultConfig()
	profCfg.HTTPAddr = cfg.Profiling.PprofAddr
	profCfg.OutputDir = cfg.Profiling.Dir
	if profCfg.Enabled() {
		prof, err := profiling.New(profCfg)
		if err != nil {
			return err
		}
		if err := prof.Start(); err != nil {
			return err
		}
		defer func() {
			if err := prof.Stop(); err != nil {
				logger.Warn("failed to stop profiler", logging.Err(err))
			}
		}()
	}

	pipeline, results, closeBackend, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	opts, err := monitorOptions(cfg)
	if err != nil {
		return err
	}

	bus := events.NewEventBus(nil)
	mon := monitor.New(pipeline, bus)

	apiCfg := api.DefaultConfig()
	apiCfg.Listen = cfg.API.Listen
	apiCfg.Debug = cfg.Log.Level == "debug"
	server, err := api.NewServer(ctx, apiCfg, mon, opts)
	if err != nil {
		return err
	}

	// The server records events from here on, so fallbacks show up in
	// /api/v1/events.
	mon.ReportArtifacts(results)

	if cfg.Alerting.NATSURL != "" {
		alertCfg := alerting.DefaultConfig()
		alertCfg.URL = cfg.Alerting.NATSURL
		alertCfg.Subject = cfg.Alerting.Subject
		alertCfg.DedupSize = cfg.Alerting.DedupSize
		alertCfg.DedupWindow = cfg.Alerting.DedupWindow
		if host, err := os.Hostname(); err == nil {
			alertCfg.Name = host
		}

		fwd, err := alerting.Connect(alertCfg)
		if err != nil {
			return err
		}
		defer fwd.Close()
		fwd.Attach(bus)
	}

	if err := server.Start(); err != nil {
		return err
	}

	if cfg.Detection.Autostart {
		if err := mon.Start(ctx, opts); err != nil {
			shutdown(server, mon, bus)
			return fmt.Errorf("autostart: %w", err)
		}
	}

	logger.Info("nids running", "listen", cfg.API.Listen, "autostart", cfg.Detection.Autostart)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdown(server, mon, bus)
	return nil
}

func shutdown(server *api.Server, mon *monitor.Monitor, bus *events.EventBus) {
	if err := mon.Stop(); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
		logging.Warn("failed to stop monitor", logging.Err(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	bus.Flush()
}
