package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/integrity"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/ml"
)

var importDigest string

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Load the model artifacts and report how each was obtained",
	Long: `artifacts loads the classifier and scalers the way run does, synthesizing
and persisting defaults for any that are missing or invalid, and prints one row
per artifact.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := ml.NewArtifactStore(cfg.ModelDir())
		if err != nil {
			return err
		}

		_, results, err := ml.LoadPipeline(store, nil, nil)
		if err != nil {
			return err
		}
		printLoadResults(cmd.OutOrStdout(), results)
		return nil
	},
}

var artifactsExportCmd = &cobra.Command{
	Use:   "export <bundle.tar.zst>",
	Short: "Write the persisted artifacts to a compressed bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := ml.NewArtifactStore(cfg.ModelDir())
		if err != nil {
			return err
		}

		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		written, err := store.Export(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		digest, err := integrity.NewBLAKE3Hasher().DigestFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s (%s)\n", strings.Join(written, ", "), args[0], digest)
		return nil
	},
}

var artifactsImportCmd = &cobra.Command{
	Use:   "import <bundle.tar.zst>",
	Short: "Verify and install artifacts from a bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := ml.NewArtifactStore(cfg.ModelDir())
		if err != nil {
			return err
		}

		if importDigest != "" {
			got, err := integrity.NewBLAKE3Hasher().DigestFile(args[0])
			if err != nil {
				return err
			}
			if got != importDigest {
				return fmt.Errorf("%w: bundle is %s, expected %s", integrity.ErrDigestMismatch, got, importDigest)
			}
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		imported, err := store.Import(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s into %s\n", strings.Join(imported, ", "), store.Dir())
		return nil
	},
}

func init() {
	artifactsImportCmd.Flags().StringVar(&importDigest, "digest", "", "Refuse the bundle unless it hashes to this blake3:<hex> digest")
	artifactsCmd.AddCommand(artifactsExportCmd, artifactsImportCmd)
	rootCmd.AddCommand(artifactsCmd)
}

func printLoadResults(w io.Writer, results []ml.LoadResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Artifact", "Status", "Reason", "Persisted", "Path"})
	for _, res := range results {
		status := "loaded"
		if res.FellBack() {
			status = "default"
		}
		persisted := "-"
		if res.FellBack() {
			persisted = fmt.Sprint(res.Persisted)
			if res.PersistErr != "" {
				persisted = "failed: " + res.PersistErr
			}
		}
		table.Append([]string{res.Artifact, status, string(res.Reason), persisted, res.Path})
	}
	table.Render()
}
