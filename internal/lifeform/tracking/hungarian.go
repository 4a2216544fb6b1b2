package tracking

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// solveAssignment runs Kuhn-Munkres with row and column potentials over a
// rectangular cost matrix and returns, for each row, the assigned column or
// -1. Entries above gate are forbidden. They are priced at a penalty larger
// than any sum of allowed entries, so the solution first maximises the number
// of allowed pairs and then minimises their total cost. Padding rows and
// columns cost nothing. Costs must be non-negative.
func solveAssignment(cost *mat.Dense, gate float64) []int {
	rows, cols := cost.Dims()
	n := max(rows, cols)

	allowed := func(v float64) bool { return v <= gate }
	worst := 0.0
	for i := 0; i < rows; i++ {
		for _, v := range cost.RawRowView(i) {
			if allowed(v) && v > worst {
				worst = v
			}
		}
	}
	penalty := (worst + 1) * float64(n+1)

	at := func(i, j int) float64 {
		if i >= rows || j >= cols {
			return 0
		}
		if v := cost.At(i, j); allowed(v) {
			return v
		}
		return penalty
	}

	const inf = math.MaxFloat64 / 2
	// 1-indexed; index 0 is the virtual column used to start each search.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	owner := make([]int, n+1) // owner[j] = row holding column j
	prev := make([]int, n+1)
	slack := make([]float64, n+1)
	visited := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		owner[0] = i
		cur := 0
		for j := range slack {
			slack[j] = inf
			visited[j] = false
		}
		for {
			visited[cur] = true
			row := owner[cur]
			delta, next := inf, -1
			for j := 1; j <= n; j++ {
				if visited[j] {
					continue
				}
				if reduced := at(row-1, j-1) - u[row] - v[j]; reduced < slack[j] {
					slack[j] = reduced
					prev[j] = cur
				}
				if slack[j] < delta {
					delta, next = slack[j], j
				}
			}
			if next < 0 {
				break
			}
			for j := 0; j <= n; j++ {
				if visited[j] {
					u[owner[j]] += delta
					v[j] -= delta
				} else {
					slack[j] -= delta
				}
			}
			cur = next
			if owner[cur] == 0 {
				break
			}
		}
		for cur != 0 {
			p := prev[cur]
			owner[cur] = owner[p]
			cur = p
		}
	}

	result := make([]int, rows)
	for i := range result {
		result[i] = -1
	}
	for j := 1; j <= n; j++ {
		r, c := owner[j]-1, j-1
		if r < 0 || r >= rows || c >= cols || !allowed(cost.At(r, c)) {
			continue
		}
		result[r] = c
	}
	return result
}
