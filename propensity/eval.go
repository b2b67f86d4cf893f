package propensity

import "github.com/njchilds90/gossa/network"

// Evaluator computes hazards on the host. It is safe for concurrent use.
type Evaluator struct {
	rates   []*node
	changes [][]network.Change
	species int
	params  int
}

func (e *Evaluator) NumReactions() int { return len(e.rates) }
func (e *Evaluator) NumSpecies() int   { return e.species }
func (e *Evaluator) NumParams() int    { return e.params }

// Hazards fills h with the propensity of every reaction at state y under
// parameters k and returns their sum. Negative propensities count as zero.
func (e *Evaluator) Hazards(h, y, k []float64) float64 {
	a0 := 0.0
	for i, r := range e.rates {
		v := r.eval(y, k)
		if !(v > 0) {
			v = 0
		}
		h[i] = v
		a0 += v
	}
	return a0
}

// Fire applies reaction i's stoichiometry to y.
func (e *Evaluator) Fire(i int, y []float64) {
	for _, c := range e.changes[i] {
		y[c.Species] += float64(c.Delta)
	}
}
