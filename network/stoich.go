package network

import (
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/njchilds90/gossa"
)

// Stoichiometry is the reactions x species matrix of net copy-number changes:
// entry (i, j) is the count of species j among reaction i's products minus its
// count among the reactants.
type Stoichiometry struct {
	m *mat.Dense
}

// Change is one non-zero entry of a stoichiometry row.
type Change struct {
	Species int
	Delta   int
}

// NewStoichiometry derives the matrix from a reaction list.
func NewStoichiometry(reactions []Reaction, nSpecies int) (*Stoichiometry, error) {
	if len(reactions) == 0 {
		return nil, &gossa.DimensionError{What: "stoichiometry reactions", Want: 1, Got: 0}
	}
	if nSpecies <= 0 {
		return nil, &gossa.DimensionError{What: "stoichiometry species", Want: 1, Got: nSpecies}
	}
	m := mat.NewDense(len(reactions), nSpecies, nil)
	for i, r := range reactions {
		for _, s := range r.Products {
			if s < 0 || s >= nSpecies {
				return nil, &gossa.DimensionError{What: "product species index", Want: nSpecies, Got: s}
			}
			m.Set(i, s, m.At(i, s)+1)
		}
		for _, s := range r.Reactants {
			if s < 0 || s >= nSpecies {
				return nil, &gossa.DimensionError{What: "reactant species index", Want: nSpecies, Got: s}
			}
			m.Set(i, s, m.At(i, s)-1)
		}
	}
	return &Stoichiometry{m: m}, nil
}

// Stoichiometry derives the network's matrix.
func (n *Network) Stoichiometry() (*Stoichiometry, error) {
	return NewStoichiometry(n.Reactions, len(n.Species))
}

// Dims returns (reactions, species).
func (s *Stoichiometry) Dims() (int, int) { return s.m.Dims() }

func (s *Stoichiometry) At(reaction, species int) int { return int(s.m.At(reaction, species)) }

// Row returns the changes of one reaction across all species.
func (s *Stoichiometry) Row(reaction int) []int {
	_, c := s.m.Dims()
	out := make([]int, c)
	for j := range out {
		out[j] = s.At(reaction, j)
	}
	return out
}

// RowSum is the net molecule-count change of one firing.
func (s *Stoichiometry) RowSum(reaction int) int {
	return int(mat.Sum(s.m.RowView(reaction)))
}

// Changes lists the non-zero entries of a row by ascending species index.
func (s *Stoichiometry) Changes(reaction int) []Change {
	var out []Change
	for j, d := range s.Row(reaction) {
		if d != 0 {
			out = append(out, Change{Species: j, Delta: d})
		}
	}
	return out
}

// Matrix returns a copy of the backing matrix.
func (s *Stoichiometry) Matrix() *mat.Dense { return mat.DenseCopyOf(s.m) }

// Check compares the matrix shape with the declared counts.
func (s *Stoichiometry) Check(nReactions, nSpecies int) error {
	r, c := s.m.Dims()
	if r != nReactions {
		return &gossa.DimensionError{What: "stoichiometry rows", Want: nReactions, Got: r}
	}
	if c != nSpecies {
		return &gossa.DimensionError{What: "stoichiometry columns", Want: nSpecies, Got: c}
	}
	return nil
}

// Text serializes the matrix row-major as a C initializer body: every entry
// but the last is followed by a comma, and each row ends with a newline.
func (s *Stoichiometry) Text() string {
	r, c := s.m.Dims()
	var b strings.Builder
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			b.WriteString(strconv.Itoa(s.At(i, j)))
			if i != r-1 || j != c-1 {
				b.WriteByte(',')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
