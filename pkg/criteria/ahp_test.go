package criteria

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestWeights(t *testing.T) {
	var tests = []struct {
		name     string
		matrix   [][]float64
		expected []float64
	}{
		{
			name:     "single criterion",
			matrix:   [][]float64{{1}},
			expected: []float64{1},
		},
		{
			name:     "two criteria",
			matrix:   [][]float64{{1, 3}, {1.0 / 3, 1}},
			expected: []float64{0.75, 0.25},
		},
		{
			name: "three criteria",
			matrix: [][]float64{
				{1, 3, 5},
				{1.0 / 3, 1, 2},
				{1.0 / 5, 1.0 / 2, 1},
			},
			expected: []float64{0.6479, 0.2299, 0.1222},
		},
		{
			name: "equal importance",
			matrix: [][]float64{
				{1, 1, 1, 1},
				{1, 1, 1, 1},
				{1, 1, 1, 1},
				{1, 1, 1, 1},
			},
			expected: []float64{0.25, 0.25, 0.25, 0.25},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			w, err := Weights(tt.matrix)
			require.NoError(t, err)
			assert.InDelta(t, 1.0, floats.Sum(w), 1e-9)
			assert.InDeltaSlice(t, tt.expected, w, 1e-4)
		})
	}
}

func TestWeightsRejectsInvalidMatrix(t *testing.T) {
	var tests = []struct {
		name         string
		matrix       [][]float64
		inconsistent bool
	}{
		{
			name: "circular preferences",
			matrix: [][]float64{
				{1, 9, 1.0 / 9},
				{1.0 / 9, 1, 9},
				{9, 1.0 / 9, 1},
			},
			inconsistent: true,
		},
		{
			name:         "not reciprocal",
			matrix:       [][]float64{{1, 2}, {2, 1}},
			inconsistent: true,
		},
		{
			name:   "not square",
			matrix: [][]float64{{1, 2}, {0.5}},
		},
		{
			name:   "negative",
			matrix: [][]float64{{1, -2}, {-0.5, 1}},
		},
		{
			name: "empty",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Weights(tt.matrix)
			assert.Error(t, err)
			if tt.inconsistent {
				assert.ErrorIs(t, err, ErrInconsistent)
			}
		})
	}
}
