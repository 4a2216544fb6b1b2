package tracking

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Match pairs row Track of the distance matrix with column Detection.
type Match struct {
	Track     int
	Detection int
}

// Associator resolves a tracks×detections distance matrix into committed
// pairs. Implementations must never return a pair whose distance exceeds
// maxDistance and must use each row and column at most once.
type Associator interface {
	Associate(dist *mat.Dense, maxDistance float64) []Match
}

// GreedyAssociator is the nearest-neighbour heuristic: rows are visited in
// ascending order of their smallest distance, each proposing its argmin
// column. A proposal is committed only if neither side is taken. It is not
// globally optimal; a row whose nearest column was taken stays unmatched.
type GreedyAssociator struct{}

// Associate implements Associator.
func (GreedyAssociator) Associate(dist *mat.Dense, maxDistance float64) []Match {
	rows, cols := dist.Dims()
	if rows == 0 || cols == 0 {
		return nil
	}

	rowMin := make([]float64, rows)
	argmin := make([]int, rows)
	order := make([]int, rows)
	for i := 0; i < rows; i++ {
		r := dist.RawRowView(i)
		argmin[i] = floats.MinIdx(r)
		rowMin[i] = r[argmin[i]]
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return rowMin[order[a]] < rowMin[order[b]]
	})

	usedRows := make([]bool, rows)
	usedCols := make([]bool, cols)
	var matches []Match
	for _, row := range order {
		col := argmin[row]
		if usedRows[row] || usedCols[col] {
			continue
		}
		if dist.At(row, col) > maxDistance {
			continue
		}
		usedRows[row] = true
		usedCols[col] = true
		matches = append(matches, Match{Track: row, Detection: col})
	}
	return matches
}

// HungarianAssociator matches as many pairs within maxDistance as possible
// and, among those matchings, minimises the total distance. It resolves
// contention that the greedy heuristic leaves unmatched.
type HungarianAssociator struct{}

// Associate implements Associator.
func (HungarianAssociator) Associate(dist *mat.Dense, maxDistance float64) []Match {
	rows, cols := dist.Dims()
	if rows == 0 || cols == 0 {
		return nil
	}
	var matches []Match
	for row, col := range solveAssignment(dist, maxDistance) {
		if col >= 0 {
			matches = append(matches, Match{Track: row, Detection: col})
		}
	}
	return matches
}

// NewAssociator returns the strategy registered under name: "greedy"
// (default) or "hungarian".
func NewAssociator(name string) (Associator, bool) {
	switch name {
	case "", "greedy":
		return GreedyAssociator{}, true
	case "hungarian":
		return HungarianAssociator{}, true
	}
	return nil, false
}
