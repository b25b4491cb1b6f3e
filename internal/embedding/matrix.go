// Package embedding holds the per-run feature matrix and the row → basename
// index that goes with it.
package embedding

import (
	"fmt"
	"math"
)

// Matrix is an N × D sparse float32 matrix. Each row is written at most once
// by the encoder and is all-zero until then. Only non-zero entries are kept,
// which matters for ReLU feature maps that are mostly zeros.
type Matrix struct {
	rows, cols int
	idx        [][]int32
	val        [][]float32
	norms      []float64
	written    []bool
}

func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{
		rows:    rows,
		cols:    cols,
		idx:     make([][]int32, rows),
		val:     make([][]float32, rows),
		norms:   make([]float64, rows),
		written: make([]bool, rows),
	}
}

func (m *Matrix) Rows() int { return m.rows }
func (m *Matrix) Cols() int { return m.cols }

// SetRow stores vec as row i. A row can be set only once.
func (m *Matrix) SetRow(i int, vec []float32) error {
	if i < 0 || i >= m.rows {
		return fmt.Errorf("row %d out of range [0, %d)", i, m.rows)
	}
	if len(vec) != m.cols {
		return fmt.Errorf("row %d has %d values, want %d", i, len(vec), m.cols)
	}
	if m.written[i] {
		return fmt.Errorf("row %d already written", i)
	}
	nnz := 0
	for _, v := range vec {
		if v != 0 {
			nnz++
		}
	}
	idx := make([]int32, 0, nnz)
	val := make([]float32, 0, nnz)
	var sq float64
	for j, v := range vec {
		if v == 0 {
			continue
		}
		idx = append(idx, int32(j))
		val = append(val, v)
		sq += float64(v) * float64(v)
	}
	m.idx[i], m.val[i] = idx, val
	m.norms[i] = math.Sqrt(sq)
	m.written[i] = true
	return nil
}

// Row returns the non-zero column indices and values of row i in column
// order. The slices must not be modified.
func (m *Matrix) Row(i int) ([]int32, []float32) {
	return m.idx[i], m.val[i]
}

// Norm is the Euclidean norm of row i.
func (m *Matrix) Norm(i int) float64 { return m.norms[i] }

// NNZ counts stored non-zero entries across all rows.
func (m *Matrix) NNZ() int {
	n := 0
	for _, r := range m.idx {
		n += len(r)
	}
	return n
}

// Dot is the inner product of rows a and b.
func (m *Matrix) Dot(a, b int) float64 {
	ai, av := m.idx[a], m.val[a]
	bi, bv := m.idx[b], m.val[b]
	var sum float64
	for x, y := 0, 0; x < len(ai) && y < len(bi); {
		switch {
		case ai[x] < bi[y]:
			x++
		case ai[x] > bi[y]:
			y++
		default:
			sum += float64(av[x]) * float64(bv[y])
			x++
			y++
		}
	}
	return sum
}

// Dense expands row i into dst, which must have Cols() entries.
func (m *Matrix) Dense(i int, dst []float64) {
	for j := range dst {
		dst[j] = 0
	}
	for k, j := range m.idx[i] {
		dst[j] = float64(m.val[i][k])
	}
}

// PositionIndex maps a matrix row to the basename of the image encoded
// there. Each position is written once.
type PositionIndex []string

func NewPositionIndex(n int) PositionIndex {
	return make(PositionIndex, n)
}

// Set records name at pos.
func (p PositionIndex) Set(pos int, name string) error {
	if pos < 0 || pos >= len(p) {
		return fmt.Errorf("position %d out of range [0, %d)", pos, len(p))
	}
	if p[pos] != "" {
		return fmt.Errorf("position %d already holds %q", pos, p[pos])
	}
	p[pos] = name
	return nil
}
