package ml

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShapeMismatch is returned when a row's width differs from the width a
	// scaler was fit on.
	ErrShapeMismatch = errors.New("ml: feature width does not match fitted scaler")

	// ErrNotFitted is returned when transforming with an unfit scaler.
	ErrNotFitted = errors.New("ml: scaler is not fitted")

	// ErrEmptyData is returned when fitting on no rows.
	ErrEmptyData = errors.New("ml: no rows to fit")
)

// ScaledVector is a FeatureVector after min-max scaling, in the same column order.
type ScaledVector [FeatureCount]float64

// MinMaxScaler maps each column to [0, 1] using the fitted column range.
type MinMaxScaler struct {
	DataMin []float64 `json:"data_min"`
	DataMax []float64 `json:"data_max"`
}

// NewMinMaxScaler creates an unfit min-max scaler
func NewMinMaxScaler() *MinMaxScaler {
	return &MinMaxScaler{}
}

// Fit computes per-column minimum and maximum.
func (s *MinMaxScaler) Fit(rows [][]float64) error {
	width, err := checkRows(rows)
	if err != nil {
		return err
	}

	mins := make([]float64, width)
	maxs := make([]float64, width)
	copy(mins, rows[0])
	copy(maxs, rows[0])
	for _, row := range rows[1:] {
		for j, v := range row {
			mins[j] = math.Min(mins[j], v)
			maxs[j] = math.Max(maxs[j], v)
		}
	}

	s.DataMin, s.DataMax = mins, maxs
	return nil
}

// Width returns the number of columns the scaler was fit on (0 if unfit).
func (s *MinMaxScaler) Width() int {
	return len(s.DataMin)
}

// TransformRow scales one row. A zero-range column uses scale 1, so the
// scaler fitted on a single row shifts values by the column minimum.
func (s *MinMaxScaler) TransformRow(row []float64) ([]float64, error) {
	if s.Width() == 0 {
		return nil, ErrNotFitted
	}
	if len(row) != s.Width() || len(s.DataMax) != s.Width() {
		return nil, fmt.Errorf("%w: got %d columns, fitted on %d", ErrShapeMismatch, len(row), s.Width())
	}

	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.DataMin[j]) * handleZeroScale(1/(s.DataMax[j]-s.DataMin[j]))
	}
	return out, nil
}

// StandardScaler centers each column on its mean and divides by its standard deviation.
type StandardScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// NewStandardScaler creates an unfit standard scaler
func NewStandardScaler() *StandardScaler {
	return &StandardScaler{}
}

// Fit computes per-column mean and population standard deviation.
func (s *StandardScaler) Fit(rows [][]float64) error {
	width, err := checkRows(rows)
	if err != nil {
		return err
	}

	n := float64(len(rows))
	mean := make([]float64, width)
	for _, row := range rows {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= n
	}

	std := make([]float64, width)
	for _, row := range rows {
		for j, v := range row {
			diff := v - mean[j]
			std[j] += diff * diff
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
	}

	s.Mean, s.Std = mean, std
	return nil
}

// Width returns the number of columns the scaler was fit on (0 if unfit).
func (s *StandardScaler) Width() int {
	return len(s.Mean)
}

// TransformRow standardizes one row. Zero-variance columns use scale 1.
func (s *StandardScaler) TransformRow(row []float64) ([]float64, error) {
	if s.Width() == 0 {
		return nil, ErrNotFitted
	}
	if len(row) != s.Width() || len(s.Std) != s.Width() {
		return nil, fmt.Errorf("%w: got %d columns, fitted on %d", ErrShapeMismatch, len(row), s.Width())
	}

	out := make([]float64, len(row))
	for j, v := range row {
		scale := s.Std[j]
		if scale == 0 {
			scale = 1
		}
		out[j] = (v - s.Mean[j]) / scale
	}
	return out, nil
}

// ScalerBank holds the two fitted transforms. Only the min-max transform is
// applied to packets before scoring; the standard scaler is kept for other
// consumers.
type ScalerBank struct {
	MinMax   *MinMaxScaler
	Standard *StandardScaler
}

// NewDefaultScalerBank returns scalers fit on a single all-zero row.
// Both transforms degrade to shifts by zero, i.e. identity.
func NewDefaultScalerBank() *ScalerBank {
	zero := [][]float64{make([]float64, FeatureCount)}

	minmax := NewMinMaxScaler()
	standard := NewStandardScaler()
	// A single zero row of the right width cannot fail to fit.
	_ = minmax.Fit(zero)
	_ = standard.Fit(zero)

	return &ScalerBank{MinMax: minmax, Standard: standard}
}

// Transform min-max scales a feature vector for classification.
func (b *ScalerBank) Transform(v FeatureVector) (ScaledVector, error) {
	var scaled ScaledVector
	if b == nil || b.MinMax == nil {
		return scaled, ErrNotFitted
	}
	if w := b.MinMax.Width(); w != FeatureCount {
		return scaled, fmt.Errorf("%w: scaler expects %d columns, features have %d", ErrShapeMismatch, w, FeatureCount)
	}

	row, err := b.MinMax.TransformRow(v[:])
	if err != nil {
		return scaled, err
	}
	copy(scaled[:], row)
	return scaled, nil
}

// Standardize applies the standard transform to a feature vector.
func (b *ScalerBank) Standardize(v FeatureVector) ([]float64, error) {
	if b == nil || b.Standard == nil {
		return nil, ErrNotFitted
	}
	return b.Standard.TransformRow(v[:])
}

// Validate checks that both scalers are fit on the feature schema width.
func (b *ScalerBank) Validate() error {
	if b.MinMax == nil || b.Standard == nil {
		return ErrNotFitted
	}
	if b.MinMax.Width() != FeatureCount || len(b.MinMax.DataMax) != FeatureCount {
		return fmt.Errorf("%w: min-max scaler has %d columns", ErrShapeMismatch, b.MinMax.Width())
	}
	if b.Standard.Width() != FeatureCount || len(b.Standard.Std) != FeatureCount {
		return fmt.Errorf("%w: standard scaler has %d columns", ErrShapeMismatch, b.Standard.Width())
	}
	return nil
}

func checkRows(rows [][]float64) (int, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, ErrEmptyData
	}
	width := len(rows[0])
	for i, row := range rows {
		if len(row) != width {
			return 0, fmt.Errorf("%w: row %d has %d columns, expected %d", ErrShapeMismatch, i, len(row), width)
		}
	}
	return width, nil
}

func handleZeroScale(scale float64) float64 {
	if math.IsInf(scale, 0) || math.IsNaN(scale) || scale == 0 {
		return 1
	}
	return scale
}
