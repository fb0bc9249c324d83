package criteria

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrInconsistent is returned for pairwise matrices whose consistency ratio is too high to trust.
var ErrInconsistent = errors.New("inconsistent pairwise comparison matrix")

// MaxConsistencyRatio is the highest accepted consistency ratio.
const MaxConsistencyRatio = 0.1

// Saaty random consistency index by matrix size.
var randomIndex = []float64{0, 0, 0, 0.58, 0.90, 1.12, 1.24, 1.32, 1.41, 1.45, 1.49}

// Weights derives the AHP weight vector from a pairwise comparison matrix:
// columns are normalized by their sums and each row is averaged.
func Weights(pairwise [][]float64) ([]float64, error) {
	m, err := dense(pairwise)
	if err != nil {
		return nil, err
	}
	n, _ := m.Dims()

	colSums := make([]float64, n)
	for j := 0; j < n; j++ {
		colSums[j] = floats.Sum(mat.Col(nil, j, m))
	}

	var norm mat.Dense
	norm.Apply(func(_, j int, v float64) float64 {
		return v / colSums[j]
	}, m)

	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = floats.Sum(norm.RawRowView(i)) / float64(n)
	}

	cr := ConsistencyRatio(m, w)
	if cr >= MaxConsistencyRatio {
		return nil, fmt.Errorf("%w: consistency ratio %.3f", ErrInconsistent, cr)
	}
	return w, nil
}

// ConsistencyRatio returns CI/RI where CI = (lambda_max - n) / (n - 1).
// Matrices with two or fewer criteria are always consistent.
func ConsistencyRatio(m mat.Matrix, w []float64) float64 {
	n, _ := m.Dims()
	if n <= 2 {
		return 0
	}
	var aw mat.VecDense
	aw.MulVec(m, mat.NewVecDense(n, w))

	lambda := 0.0
	for i := 0; i < n; i++ {
		lambda += aw.AtVec(i) / w[i]
	}
	lambda /= float64(n)

	ci := (lambda - float64(n)) / float64(n-1)
	ri := randomIndex[len(randomIndex)-1]
	if n < len(randomIndex) {
		ri = randomIndex[n]
	}
	return ci / ri
}

func dense(pairwise [][]float64) (*mat.Dense, error) {
	n := len(pairwise)
	if n == 0 {
		return nil, fmt.Errorf("empty pairwise comparison matrix")
	}
	for i, row := range pairwise {
		if len(row) != n {
			return nil, fmt.Errorf("pairwise comparison matrix row %d has %d columns, expected %d", i, len(row), n)
		}
	}
	data := make([]float64, 0, n*n)
	for i, row := range pairwise {
		for j, v := range row {
			if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("pairwise comparison [%d][%d] must be positive and finite, got %v", i, j, v)
			}
			if math.Abs(v*pairwise[j][i]-1) > 1e-6 {
				return nil, fmt.Errorf("%w: [%d][%d] and [%d][%d] are not reciprocal", ErrInconsistent, i, j, j, i)
			}
		}
		data = append(data, row...)
	}
	return mat.NewDense(n, n, data), nil
}
