package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *ArtifactStore {
	t.Helper()
	store, err := NewArtifactStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewArtifactStore() error = %v", err)
	}
	return store
}

func TestArtifactStore_MissingClassifierFallsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	model, result := store.LoadOrCreateClassifier()
	if !result.FellBack() || result.Reason != ReasonMissing {
		t.Fatalf("result = %+v, want missing fallback", result)
	}
	if !result.Persisted {
		t.Fatalf("default classifier was not persisted: %s", result.PersistErr)
	}

	low, _ := model.PredictProba(ctx, ScaledVector{0, 0, 0, 0})
	high, _ := model.PredictProba(ctx, ScaledVector{1, 1, 1, 1})
	if !(low < 0.5 && high > 0.5) {
		t.Errorf("fallback classifier scores %v/%v, want low/high", low, high)
	}

	if _, err := os.Stat(store.Path(ClassifierArtifact)); err != nil {
		t.Errorf("artifact not written: %v", err)
	}
}

func TestArtifactStore_FallbackIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, result := store.LoadOrCreateClassifier()
	if !result.FellBack() {
		t.Fatal("expected first load to fall back")
	}

	second, result := store.LoadOrCreateClassifier()
	if result.FellBack() {
		t.Fatalf("second load fell back: %+v", result)
	}

	for _, x := range []ScaledVector{{0, 0, 0, 0}, {1, 1, 1, 1}, {0.3, 0.7, 0.1, 0.9}} {
		a, _ := first.PredictProba(ctx, x)
		b, _ := second.PredictProba(ctx, x)
		if a != b {
			t.Errorf("PredictProba(%v) changed across reload: %v != %v", x, a, b)
		}
	}

	bank, results := store.LoadOrFitScalers()
	for _, r := range results {
		if !r.FellBack() || r.Reason != ReasonMissing || !r.Persisted {
			t.Errorf("scaler result = %+v, want persisted missing fallback", r)
		}
	}

	reloaded, results := store.LoadOrFitScalers()
	for _, r := range results {
		if r.FellBack() {
			t.Errorf("scaler %s fell back on reload: %+v", r.Artifact, r)
		}
	}

	v := FeatureVector{17, 1200, 1200, 1}
	a, err := bank.Transform(v)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	b, err := reloaded.Transform(v)
	if err != nil {
		t.Fatalf("Transform() after reload error = %v", err)
	}
	if a != b {
		t.Errorf("Transform changed across reload: %v != %v", a, b)
	}
}

func TestArtifactStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	minmax := NewMinMaxScaler()
	standard := NewStandardScaler()
	rows := [][]float64{{6, 40, 40, 1}, {17, 1500, 1500, 100}, {6, 600, 900, 20}}
	if err := minmax.Fit(rows); err != nil {
		t.Fatal(err)
	}
	if err := standard.Fit(rows); err != nil {
		t.Fatal(err)
	}
	bank := &ScalerBank{MinMax: minmax, Standard: standard}
	if err := store.SaveScalers(bank); err != nil {
		t.Fatalf("SaveScalers() error = %v", err)
	}

	model := &LogisticRegression{Coef: [FeatureCount]float64{0.1, -2.5, 3.25, 1e-3}, Intercept: -0.75, C: 1}
	if err := store.SaveClassifier(model); err != nil {
		t.Fatalf("SaveClassifier() error = %v", err)
	}

	loadedModel, err := store.LoadClassifier()
	if err != nil {
		t.Fatalf("LoadClassifier() error = %v", err)
	}
	if *loadedModel != *model {
		t.Errorf("classifier round trip = %+v, want %+v", loadedModel, model)
	}

	loadedBank, results := store.LoadOrFitScalers()
	for _, r := range results {
		if r.FellBack() {
			t.Fatalf("unexpected fallback: %+v", r)
		}
	}

	v := FeatureVector{17, 700, 321, 55}
	want, _ := bank.Transform(v)
	got, err := loadedBank.Transform(v)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if got != want {
		t.Errorf("Transform after round trip = %v, want %v", got, want)
	}
}

func TestArtifactStore_FallbackReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, path string)
		want   FallbackReason
	}{
		{
			name: "unparseable file",
			mutate: func(t *testing.T, path string) {
				writeFile(t, path, []byte("\x80\x04\x95 not json"))
			},
			want: ReasonCorrupt,
		},
		{
			name: "envelope missing digest",
			mutate: func(t *testing.T, path string) {
				editEnvelope(t, path, func(env map[string]json.RawMessage) { delete(env, "digest") })
			},
			want: ReasonCorrupt,
		},
		{
			name: "tampered payload",
			mutate: func(t *testing.T, path string) {
				editEnvelope(t, path, func(env map[string]json.RawMessage) {
					env["payload"] = json.RawMessage(`{"coef":[1,2,3,4],"intercept":9,"c":1}`)
				})
			},
			want: ReasonDigestMismatch,
		},
		{
			name: "wrong kind",
			mutate: func(t *testing.T, path string) {
				editEnvelope(t, path, func(env map[string]json.RawMessage) { env["kind"] = json.RawMessage(`"minmax_scaler"`) })
			},
			want: ReasonWrongKind,
		},
		{
			name: "newer format",
			mutate: func(t *testing.T, path string) {
				editEnvelope(t, path, func(env map[string]json.RawMessage) { env["format_version"] = json.RawMessage(`2`) })
			},
			want: ReasonIncompatibleFormat,
		},
		{
			name: "other library major",
			mutate: func(t *testing.T, path string) {
				editEnvelope(t, path, func(env map[string]json.RawMessage) { env["library_version"] = json.RawMessage(`"0.24.2"`) })
			},
			want: ReasonVersionMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			saved := &LogisticRegression{Coef: [FeatureCount]float64{1, 2, 3, 4}, Intercept: -1, C: 1}
			if err := store.SaveClassifier(saved); err != nil {
				t.Fatal(err)
			}
			tt.mutate(t, store.Path(ClassifierArtifact))

			model, result := store.LoadOrCreateClassifier()
			if result.Reason != tt.want {
				t.Fatalf("reason = %q (%s), want %q", result.Reason, result.Detail, tt.want)
			}
			if model.Coef == saved.Coef {
				t.Error("fallback returned the rejected model")
			}
			if !result.Persisted {
				t.Errorf("fallback not persisted: %s", result.PersistErr)
			}

			// The written-back default loads cleanly
			if _, again := store.LoadOrCreateClassifier(); again.FellBack() {
				t.Errorf("reload after fallback: %+v", again)
			}
		})
	}
}

func TestArtifactStore_ScalerShapeMismatch(t *testing.T) {
	store := newTestStore(t)

	narrow := NewMinMaxScaler()
	if err := narrow.Fit([][]float64{{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}
	if err := store.save(MinMaxScalerArtifact, narrow); err != nil {
		t.Fatal(err)
	}

	bank, results := store.LoadOrFitScalers()
	if results[0].Reason != ReasonShapeMismatch {
		t.Errorf("min-max reason = %q, want %q", results[0].Reason, ReasonShapeMismatch)
	}
	if err := bank.Validate(); err != nil {
		t.Errorf("fallback bank invalid: %v", err)
	}
}

func TestArtifactStore_ExportImport(t *testing.T) {
	src := newTestStore(t)
	src.LoadOrCreateClassifier()
	src.LoadOrFitScalers()

	var bundle bytes.Buffer
	written, err := src.Export(&bundle)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(written) != 3 {
		t.Fatalf("exported %v, want all three artifacts", written)
	}

	dst := newTestStore(t)
	imported, err := dst.Import(bytes.NewReader(bundle.Bytes()))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if len(imported) != 3 {
		t.Errorf("imported %v", imported)
	}

	if _, result := dst.LoadOrCreateClassifier(); result.FellBack() {
		t.Errorf("imported classifier fell back: %+v", result)
	}
	_, results := dst.LoadOrFitScalers()
	for _, r := range results {
		if r.FellBack() {
			t.Errorf("imported scaler fell back: %+v", r)
		}
	}
}

func TestArtifactStore_ImportRejectsTamperedBundle(t *testing.T) {
	src := newTestStore(t)
	src.LoadOrCreateClassifier()
	editEnvelope(t, src.Path(ClassifierArtifact), func(env map[string]json.RawMessage) {
		env["payload"] = json.RawMessage(`{"coef":[0,0,0,0],"intercept":3,"c":1}`)
	})

	var bundle bytes.Buffer
	if _, err := src.Export(&bundle); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	dst := newTestStore(t)
	_, err := dst.Import(&bundle)
	if err == nil {
		t.Fatal("Import() accepted a tampered artifact")
	}
	var le *loadError
	if !errors.As(err, &le) || le.reason != ReasonDigestMismatch {
		t.Errorf("Import() error = %v, want digest mismatch", err)
	}
	if _, statErr := os.Stat(dst.Path(ClassifierArtifact)); !os.IsNotExist(statErr) {
		t.Error("tampered artifact was written")
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

// editEnvelope rewrites top-level envelope fields, leaving the others byte-for-byte.
func editEnvelope(t *testing.T, path string, edit func(map[string]json.RawMessage)) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	edit(env)
	out, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, out)
}
