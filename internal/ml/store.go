package ml

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/klauspost/compress/zstd"
	"github.com/xeipuuv/gojsonschema"

	"github.com/justysssss/Network-Intrusion-Detection-System/internal/integrity"
	"github.com/justysssss/Network-Intrusion-Detection-System/internal/logging"
)

// Artifact kinds. Each is stored as <kind>.json in the store directory.
const (
	ClassifierArtifact     = "logistic_regression_meta_model"
	MinMaxScalerArtifact   = "minmax_scaler"
	StandardScalerArtifact = "standard_scaler"
)

const (
	// FormatVersion is the envelope layout version this build reads and writes.
	FormatVersion = 1
	// LibraryVersion identifies the model code that produced an artifact.
	// Artifacts from a different major version are refit.
	LibraryVersion = "1.2.0"

	maxArtifactSize = 1 << 20
)

// ErrUnknownArtifact is returned when importing a file that is not one of the
// known artifact kinds.
var ErrUnknownArtifact = errors.New("ml: unknown artifact")

// envelopeSchema is the JSON schema every artifact file must satisfy before
// its payload is trusted.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["kind", "format_version", "library_version", "created_at", "digest", "payload"],
  "properties": {
    "kind": {"type": "string", "minLength": 1},
    "format_version": {"type": "integer", "minimum": 1},
    "library_version": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "digest": {"type": "string", "pattern": "^[a-z0-9]+:[0-9a-f]+$"},
    "payload": {"type": "object"}
  }
}`

// Envelope wraps every persisted artifact.
type Envelope struct {
	Kind           string          `json:"kind"`
	FormatVersion  int             `json:"format_version"`
	LibraryVersion string          `json:"library_version"`
	CreatedAt      time.Time       `json:"created_at"`
	Digest         string          `json:"digest"`
	Payload        json.RawMessage `json:"payload"`
}

// FallbackReason says why a persisted artifact was replaced by a default.
type FallbackReason string

const (
	ReasonNone               FallbackReason = ""
	ReasonMissing            FallbackReason = "missing"
	ReasonCorrupt            FallbackReason = "corrupt"
	ReasonDigestMismatch     FallbackReason = "digest_mismatch"
	ReasonWrongKind          FallbackReason = "wrong_kind"
	ReasonIncompatibleFormat FallbackReason = "incompatible_format"
	ReasonVersionMismatch    FallbackReason = "version_mismatch"
	ReasonShapeMismatch      FallbackReason = "shape_mismatch"
)

// LoadResult reports how one artifact was obtained.
type LoadResult struct {
	Artifact string         `json:"artifact"`
	Path     string         `json:"path"`
	Loaded   bool           `json:"loaded"`
	Reason   FallbackReason `json:"reason,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	// Persisted is true when the synthesized default was written back.
	Persisted  bool   `json:"persisted"`
	PersistErr string `json:"persist_error,omitempty"`
}

// FellBack reports whether a default was synthesized.
func (r LoadResult) FellBack() bool {
	return !r.Loaded
}

// loadError carries the fallback reason for a failed load.
type loadError struct {
	reason FallbackReason
	err    error
}

func (e *loadError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *loadError) Unwrap() error { return e.err }

func fail(reason FallbackReason, err error) error {
	return &loadError{reason: reason, err: err}
}

// ArtifactStore persists the classifier and scalers under one directory.
type ArtifactStore struct {
	dir    string
	hasher *integrity.BLAKE3Hasher
	schema *gojsonschema.Schema
	logger *logging.Logger
	mu     sync.Mutex
}

// NewArtifactStore opens (and creates) a store directory.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load envelope schema: %w", err)
	}

	return &ArtifactStore{
		dir:    dir,
		hasher: integrity.NewBLAKE3Hasher(),
		schema: schema,
		logger: logging.StoreLogger(),
	}, nil
}

// Dir returns the store directory.
func (s *ArtifactStore) Dir() string {
	return s.dir
}

// Path returns the file path of an artifact kind.
func (s *ArtifactStore) Path(kind string) string {
	return filepath.Join(s.dir, kind+".json")
}

// =============================================================================
// Classifier
// =============================================================================

// classifierPayload is decoded with a slice so stored widths can be checked.
type classifierPayload struct {
	Coef      []float64 `json:"coef"`
	Intercept *float64  `json:"intercept"`
	C         float64   `json:"c"`
}

// SaveClassifier persists a logistic model.
func (s *ArtifactStore) SaveClassifier(m *LogisticRegression) error {
	return s.save(ClassifierArtifact, m)
}

// LoadClassifier reads the persisted logistic model.
func (s *ArtifactStore) LoadClassifier() (*LogisticRegression, error) {
	raw, err := s.read(ClassifierArtifact)
	if err != nil {
		return nil, err
	}

	var p classifierPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fail(ReasonCorrupt, err)
	}
	if len(p.Coef) != FeatureCount {
		return nil, fail(ReasonShapeMismatch, fmt.Errorf("%w: classifier has %d coefficients", ErrShapeMismatch, len(p.Coef)))
	}
	if p.Intercept == nil {
		return nil, fail(ReasonCorrupt, errors.New("intercept missing"))
	}

	m := &LogisticRegression{Intercept: *p.Intercept, C: p.C}
	copy(m.Coef[:], p.Coef)
	if err := m.Validate(); err != nil {
		return nil, fail(ReasonCorrupt, err)
	}
	return m, nil
}

// LoadOrCreateClassifier loads the classifier, or synthesizes, persists and
// returns the default one. It never fails.
func (s *ArtifactStore) LoadOrCreateClassifier() (*LogisticRegression, LoadResult) {
	result := LoadResult{Artifact: ClassifierArtifact, Path: s.Path(ClassifierArtifact)}

	m, err := s.LoadClassifier()
	if err == nil {
		result.Loaded = true
		return m, result
	}

	m = NewDefaultClassifier()
	s.fallback(&result, err, func() error { return s.SaveClassifier(m) })
	return m, result
}

// =============================================================================
// Scalers
// =============================================================================

// SaveScalers persists both scalers of a bank.
func (s *ArtifactStore) SaveScalers(bank *ScalerBank) error {
	if err := bank.Validate(); err != nil {
		return err
	}
	return errors.Join(
		s.save(MinMaxScalerArtifact, bank.MinMax),
		s.save(StandardScalerArtifact, bank.Standard),
	)
}

// LoadMinMaxScaler reads the persisted min-max scaler.
func (s *ArtifactStore) LoadMinMaxScaler() (*MinMaxScaler, error) {
	raw, err := s.read(MinMaxScalerArtifact)
	if err != nil {
		return nil, err
	}

	var scaler MinMaxScaler
	if err := json.Unmarshal(raw, &scaler); err != nil {
		return nil, fail(ReasonCorrupt, err)
	}
	if scaler.Width() != FeatureCount || len(scaler.DataMax) != FeatureCount {
		return nil, fail(ReasonShapeMismatch, fmt.Errorf("%w: min-max scaler has %d columns", ErrShapeMismatch, scaler.Width()))
	}
	return &scaler, nil
}

// LoadStandardScaler reads the persisted standard scaler.
func (s *ArtifactStore) LoadStandardScaler() (*StandardScaler, error) {
	raw, err := s.read(StandardScalerArtifact)
	if err != nil {
		return nil, err
	}

	var scaler StandardScaler
	if err := json.Unmarshal(raw, &scaler); err != nil {
		return nil, fail(ReasonCorrupt, err)
	}
	if scaler.Width() != FeatureCount || len(scaler.Std) != FeatureCount {
		return nil, fail(ReasonShapeMismatch, fmt.Errorf("%w: standard scaler has %d columns", ErrShapeMismatch, scaler.Width()))
	}
	return &scaler, nil
}

// LoadOrFitScalers loads both scalers. Each one that cannot be loaded is
// replaced by its single-zero-row default, which is persisted.
func (s *ArtifactStore) LoadOrFitScalers() (*ScalerBank, []LoadResult) {
	defaults := NewDefaultScalerBank()
	bank := &ScalerBank{}

	mmResult := LoadResult{Artifact: MinMaxScalerArtifact, Path: s.Path(MinMaxScalerArtifact)}
	if mm, err := s.LoadMinMaxScaler(); err == nil {
		bank.MinMax = mm
		mmResult.Loaded = true
	} else {
		bank.MinMax = defaults.MinMax
		s.fallback(&mmResult, err, func() error { return s.save(MinMaxScalerArtifact, bank.MinMax) })
	}

	stdResult := LoadResult{Artifact: StandardScalerArtifact, Path: s.Path(StandardScalerArtifact)}
	if std, err := s.LoadStandardScaler(); err == nil {
		bank.Standard = std
		stdResult.Loaded = true
	} else {
		bank.Standard = defaults.Standard
		s.fallback(&stdResult, err, func() error { return s.save(StandardScalerArtifact, bank.Standard) })
	}

	return bank, []LoadResult{mmResult, stdResult}
}

// fallback fills in the result for a failed load and persists the default.
func (s *ArtifactStore) fallback(result *LoadResult, err error, persist func() error) {
	result.Reason = ReasonCorrupt
	var le *loadError
	if errors.As(err, &le) {
		result.Reason = le.reason
		err = le.err
	}
	result.Detail = err.Error()

	if perr := persist(); perr != nil {
		result.PersistErr = perr.Error()
		s.logger.Error("failed to persist default artifact",
			"artifact", result.Artifact,
			logging.Err(perr),
		)
	} else {
		result.Persisted = true
	}

	s.logger.Warn("artifact replaced by default",
		"artifact", result.Artifact,
		"reason", string(result.Reason),
		"detail", result.Detail,
		"persisted", result.Persisted,
	)
}

// =============================================================================
// Envelope encoding
// =============================================================================

func (s *ArtifactStore) save(kind string, payload any) error {
	data, err := s.encode(kind, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.Path(kind), data)
}

func (s *ArtifactStore) encode(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	env := Envelope{
		Kind:           kind,
		FormatVersion:  FormatVersion,
		LibraryVersion: LibraryVersion,
		CreatedAt:      time.Now().UTC(),
		Digest:         s.hasher.Digest(raw),
		Payload:        raw,
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", kind, err)
	}
	return data, nil
}

// read returns the verified payload of an artifact.
func (s *ArtifactStore) read(kind string) (json.RawMessage, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.Path(kind))
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fail(ReasonMissing, err)
		}
		return nil, fail(ReasonCorrupt, err)
	}
	return s.decode(kind, data)
}

// decode checks an envelope and returns its payload.
func (s *ArtifactStore) decode(kind string, data []byte) (json.RawMessage, error) {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fail(ReasonCorrupt, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fail(ReasonCorrupt, fmt.Errorf("envelope invalid: %s", strings.Join(problems, "; ")))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fail(ReasonCorrupt, err)
	}

	if env.Kind != kind {
		return nil, fail(ReasonWrongKind, fmt.Errorf("expected %s, found %s", kind, env.Kind))
	}
	if env.FormatVersion != FormatVersion {
		return nil, fail(ReasonIncompatibleFormat, fmt.Errorf("format version %d, supported %d", env.FormatVersion, FormatVersion))
	}

	// The file is indented; the digest covers the compact payload.
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Payload); err != nil {
		return nil, fail(ReasonCorrupt, err)
	}
	if err := s.hasher.Verify(compact.Bytes(), env.Digest); err != nil {
		return nil, fail(ReasonDigestMismatch, err)
	}

	if err := checkLibraryVersion(env.LibraryVersion); err != nil {
		return nil, fail(ReasonVersionMismatch, err)
	}

	return compact.Bytes(), nil
}

// checkLibraryVersion accepts artifacts written by the same major version.
func checkLibraryVersion(v string) error {
	written, err := semver.ParseTolerant(v)
	if err != nil {
		return fmt.Errorf("unparseable library version %q: %w", v, err)
	}
	current := semver.MustParse(LibraryVersion)
	if written.Major != current.Major {
		return fmt.Errorf("written by %s, running %s", written, current)
	}
	return nil
}

// writeFileAtomic replaces path so readers see either the old or new file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// Bundles
// =============================================================================

// ArtifactKinds lists every artifact the store manages.
func ArtifactKinds() []string {
	return []string{ClassifierArtifact, MinMaxScalerArtifact, StandardScalerArtifact}
}

// Export writes the present artifacts as a zstd-compressed tar bundle and
// returns the names written.
func (s *ArtifactStore) Export(w io.Writer) ([]string, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	var written []string
	for _, kind := range ArtifactKinds() {
		s.mu.Lock()
		data, err := os.ReadFile(s.Path(kind))
		s.mu.Unlock()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			enc.Close()
			return written, fmt.Errorf("failed to read %s: %w", kind, err)
		}

		hdr := &tar.Header{
			Name:    kind + ".json",
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			enc.Close()
			return written, fmt.Errorf("failed to write tar header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			enc.Close()
			return written, fmt.Errorf("failed to write %s: %w", kind, err)
		}
		written = append(written, kind)
	}

	if err := tw.Close(); err != nil {
		enc.Close()
		return written, fmt.Errorf("failed to close tar: %w", err)
	}
	if err := enc.Close(); err != nil {
		return written, fmt.Errorf("failed to close zstd writer: %w", err)
	}
	return written, nil
}

// Import reads a bundle produced by Export. Every artifact is verified before
// anything is written; a bundle with a bad member changes nothing.
func (s *ArtifactStore) Import(r io.Reader) ([]string, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	staged := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar header: %w", err)
		}

		kind := strings.TrimSuffix(filepath.Base(hdr.Name), ".json")
		if !isArtifactKind(kind) || hdr.Name != kind+".json" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownArtifact, hdr.Name)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxArtifactSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", hdr.Name, err)
		}
		if _, err := s.decode(kind, data); err != nil {
			return nil, fmt.Errorf("bundle member %s: %w", hdr.Name, err)
		}
		staged[kind] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var imported []string
	for _, kind := range ArtifactKinds() {
		data, ok := staged[kind]
		if !ok {
			continue
		}
		if err := writeFileAtomic(s.Path(kind), data); err != nil {
			return imported, err
		}
		imported = append(imported, kind)
	}
	return imported, nil
}

func isArtifactKind(kind string) bool {
	for _, k := range ArtifactKinds() {
		if k == kind {
			return true
		}
	}
	return false
}
