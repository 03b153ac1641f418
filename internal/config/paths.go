// Package config holds the operator configuration of the NIDS: the YAML file
// layout, its defaults and validation, and the filesystem paths artifacts and
// native libraries are looked up in.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Environment overrides for default paths.
const (
	EnvModelDir     = "NIDS_MODEL_DIR"
	EnvONNXLibrary  = "NIDS_ONNX_LIBRARY_PATH"
	EnvXDGDataHome  = "XDG_DATA_HOME"
	appDirName      = "nids"
	modelSubdirName = "models"
)

// PathConfig holds the default locations of on-disk resources.
type PathConfig struct {
	// ModelDir holds the persisted classifier and scaler artifacts.
	ModelDir string
	// ONNXLibraryPath is the ONNX Runtime shared library for the onnx backend.
	ONNXLibraryPath string
}

// DefaultPathConfig resolves paths from the environment first, then from the
// XDG data directory, then from platform defaults.
func DefaultPathConfig() *PathConfig {
	return &PathConfig{
		ModelDir:        envOr(EnvModelDir, filepath.Join(dataHome(), appDirName, modelSubdirName)),
		ONNXLibraryPath: envOr(EnvONNXLibrary, findONNXLibrary(onnxSearchPaths())),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// dataHome is $XDG_DATA_HOME, or its platform equivalent under $HOME.
func dataHome() string {
	if dir := os.Getenv(EnvXDGDataHome); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support")
	}
	return filepath.Join(home, ".local", "share")
}

func onnxSearchPaths() []string {
	paths := []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		"/usr/lib/aarch64-linux-gnu/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".local", "lib", "libonnxruntime.so"))
	}
	return paths
}

// findONNXLibrary returns the first existing candidate. When none exists the
// first candidate is returned and the onnx backend reports the failure at
// initialization.
func findONNXLibrary(candidates []string) string {
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0]
}

// PathEnvVarsDoc documents the path overrides for CLI help.
const PathEnvVarsDoc = `Environment:
  NIDS_MODEL_DIR          classifier and scaler artifacts
                          (default $XDG_DATA_HOME/nids/models)
  NIDS_ONNX_LIBRARY_PATH  ONNX Runtime shared library for the onnx backend
                          (default: first libonnxruntime found in the system
                          library directories)`
