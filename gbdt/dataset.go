package gbdt

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/expkit/pkg/errors"
)

// BinMapper maps the raw values of one feature to histogram bins.
// Bin b holds values v with Bounds[b-1] < v <= Bounds[b]; NaN maps to bin 0.
type BinMapper struct {
	Bounds []float64
}

// NumBins returns the number of bins, at least 1.
func (m *BinMapper) NumBins() int {
	return len(m.Bounds) + 1
}

// Bin returns the bin of v.
func (m *BinMapper) Bin(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return sort.SearchFloat64s(m.Bounds, v)
}

// Threshold is the raw split value for "bin <= b goes left".
func (m *BinMapper) Threshold(b int) float64 {
	return m.Bounds[b]
}

// newBinMapper places bounds halfway between distinct values. With more
// distinct values than maxBin the bounds follow equal-frequency quantiles.
func newBinMapper(values []float64, maxBin int) *BinMapper {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)

	distinct := sorted[:0:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			distinct = append(distinct, v)
		}
	}

	var bounds []float64
	if len(distinct) <= maxBin {
		for i := 1; i < len(distinct); i++ {
			bounds = append(bounds, midpoint(distinct[i-1], distinct[i]))
		}
		return &BinMapper{Bounds: bounds}
	}

	n := len(sorted)
	for k := 1; k < maxBin; k++ {
		i := k * n / maxBin
		if i == 0 || sorted[i-1] == sorted[i] {
			continue
		}
		b := midpoint(sorted[i-1], sorted[i])
		if len(bounds) == 0 || b > bounds[len(bounds)-1] {
			bounds = append(bounds, b)
		}
	}
	return &BinMapper{Bounds: bounds}
}

func midpoint(lo, hi float64) float64 {
	m := lo + (hi-lo)/2
	if m >= hi {
		return lo
	}
	return m
}

// Dataset is a binned feature matrix with labels.
type Dataset struct {
	numData     int
	numFeatures int

	raw    mat.Matrix
	labels []float64
	// bins[f][i] is the bin of row i on feature f.
	bins    [][]uint16
	mappers []*BinMapper

	featureNames []string
	reference    *Dataset
}

type datasetConfig struct {
	reference    *Dataset
	featureNames []string
	maxBin       int
}

// DatasetOption configures NewDataset.
type DatasetOption func(*datasetConfig)

// WithReference reuses the bin mappers of a training dataset. Validation
// sets must share bins with the training set.
func WithReference(ref *Dataset) DatasetOption {
	return func(c *datasetConfig) { c.reference = ref }
}

// WithFeatureNames names the columns of X.
func WithFeatureNames(names ...string) DatasetOption {
	return func(c *datasetConfig) { c.featureNames = names }
}

// WithMaxBin overrides the number of histogram bins per feature.
func WithMaxBin(maxBin int) DatasetOption {
	return func(c *datasetConfig) { c.maxBin = maxBin }
}

// NewDataset bins X. y is a vector or an n×1 matrix.
func NewDataset(X, y mat.Matrix, opts ...DatasetOption) (*Dataset, error) {
	cfg := datasetConfig{maxBin: DefaultParams().MaxBin}
	for _, opt := range opts {
		opt(&cfg)
	}

	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}
	yRows, yCols := y.Dims()
	if yRows != rows {
		return nil, errors.NewDimensionError("gbdt.NewDataset", rows, yRows, 0)
	}
	if yCols != 1 {
		return nil, errors.NewDimensionError("gbdt.NewDataset", 1, yCols, 1)
	}
	if cfg.maxBin < 2 || cfg.maxBin > math.MaxUint16 {
		return nil, errors.NewValidationError("max_bin", "must be in [2, 65535]", cfg.maxBin)
	}
	if cfg.featureNames != nil && len(cfg.featureNames) != cols {
		return nil, errors.NewDimensionError("gbdt.NewDataset", cols, len(cfg.featureNames), 1)
	}

	ds := &Dataset{
		numData:      rows,
		numFeatures:  cols,
		raw:          X,
		labels:       make([]float64, rows),
		featureNames: cfg.featureNames,
		reference:    cfg.reference,
	}
	for i := range ds.labels {
		ds.labels[i] = y.At(i, 0)
	}

	if ref := cfg.reference; ref != nil {
		if ref.numFeatures != cols {
			return nil, errors.NewDimensionError("gbdt.NewDataset", ref.numFeatures, cols, 1)
		}
		ds.mappers = ref.mappers
		if ds.featureNames == nil {
			ds.featureNames = ref.featureNames
		}
	} else {
		ds.mappers = make([]*BinMapper, cols)
		col := make([]float64, rows)
		for f := 0; f < cols; f++ {
			mat.Col(col, f, X)
			ds.mappers[f] = newBinMapper(col, cfg.maxBin)
		}
	}
	if ds.featureNames == nil {
		ds.featureNames = defaultFeatureNames(cols)
	}

	ds.bins = make([][]uint16, cols)
	for f := 0; f < cols; f++ {
		m := ds.mappers[f]
		col := make([]uint16, rows)
		for i := 0; i < rows; i++ {
			col[i] = uint16(m.Bin(X.At(i, f)))
		}
		ds.bins[f] = col
	}
	return ds, nil
}

// rebin returns a copy of ds binned with ref's mappers.
func (ds *Dataset) rebin(ref *Dataset) (*Dataset, error) {
	y := mat.NewVecDense(ds.numData, append([]float64(nil), ds.labels...))
	return NewDataset(ds.raw, y, WithReference(ref), WithFeatureNames(ds.featureNames...))
}

func defaultFeatureNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = "Column_" + itoa(i)
	}
	return names
}

// NumData returns the number of rows.
func (ds *Dataset) NumData() int { return ds.numData }

// NumFeatures returns the number of columns.
func (ds *Dataset) NumFeatures() int { return ds.numFeatures }

// FeatureNames returns the column names.
func (ds *Dataset) FeatureNames() []string { return ds.featureNames }

// Labels returns the label column.
func (ds *Dataset) Labels() *mat.VecDense {
	return mat.NewVecDense(ds.numData, append([]float64(nil), ds.labels...))
}

// BinMappers returns the per-feature bin mappers.
func (ds *Dataset) BinMappers() []*BinMapper { return ds.mappers }

func (ds *Dataset) sharesBins(other *Dataset) bool {
	if len(ds.mappers) != len(other.mappers) {
		return false
	}
	for i := range ds.mappers {
		if ds.mappers[i] != other.mappers[i] {
			return false
		}
	}
	return true
}
