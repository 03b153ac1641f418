package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/ml"
)

var scoreFlags struct {
	protocol  float64
	sbytes    float64
	dbytes    float64
	rate      float64
	threshold float64
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score one feature record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("threshold") {
			cfg.Detection.Threshold = scoreFlags.threshold
		}
		if err := ml.ValidateThreshold(cfg.Detection.Threshold); err != nil {
			return err
		}

		pipeline, _, closeBackend, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer closeBackend()

		decision, err := pipeline.ScoreVector(cmd.Context(), ml.FeatureVector{
			ml.FeatureProtocol: scoreFlags.protocol,
			ml.FeatureSBytes:   scoreFlags.sbytes,
			ml.FeatureDBytes:   scoreFlags.dbytes,
			ml.FeatureRate:     scoreFlags.rate,
		})
		if err != nil {
			return err
		}

		out := struct {
			Features  map[string]float64 `json:"features"`
			Score     float64            `json:"threat_score"`
			Threshold float64            `json:"threshold"`
			IsThreat  bool               `json:"is_threat"`
		}{decision.Features.Map(), decision.Score, decision.Threshold, decision.IsThreat}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var sidecarListen string

var sidecarCmd = &cobra.Command{
	Use:   "sidecar",
	Short: "Serve the persisted classifier to sidecar clients over gRPC",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := ml.NewArtifactStore(cfg.ModelDir())
		if err != nil {
			return err
		}
		model, res := store.LoadOrCreateClassifier()
		if res.FellBack() {
			logging.Warn("serving default classifier", "reason", string(res.Reason), "path", res.Path)
		}

		lis, err := net.Listen("tcp", sidecarListen)
		if err != nil {
			return fmt.Errorf("sidecar: listen %s: %w", sidecarListen, err)
		}

		srv := grpc.NewServer()
		ml.RegisterScorerServer(srv, &ml.ClassifierScorer{Classifier: model, Name: ml.ClassifierArtifact})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go func() {
			<-ctx.Done()
			srv.GracefulStop()
		}()

		logging.Info("sidecar scorer listening", "listen", lis.Addr().String())
		return srv.Serve(lis)
	},
}

func init() {
	f := scoreCmd.Flags()
	f.Float64Var(&scoreFlags.protocol, "protocol", 6, "IP protocol number")
	f.Float64Var(&scoreFlags.sbytes, "sbytes", 0, "Source-to-destination bytes")
	f.Float64Var(&scoreFlags.dbytes, "dbytes", 0, "Destination-to-source bytes")
	f.Float64Var(&scoreFlags.rate, "rate", 0, "Packet rate")
	f.Float64VarP(&scoreFlags.threshold, "threshold", "t", 0, "Threat score threshold in [0,1]")

	sidecarCmd.Flags().StringVar(&sidecarListen, "listen", "127.0.0.1:50051", "gRPC listen address")

	rootCmd.AddCommand(scoreCmd, sidecarCmd)
}
