package ssa

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"

	"github.com/njchilds90/gossa/network"
)

// Mode is the execution mode of a run.
type Mode string

const (
	// ModeAll records every checkpoint in a single dispatch.
	ModeAll Mode = "all"
	// ModeStep loops over checkpoints on the host, one dispatch per interval.
	ModeStep Mode = "step"
)

// Trajectory holds copy numbers laid out [sim][time][species].
type Trajectory struct {
	RunID      uuid.UUID
	Mode       Mode
	Seed       uint64
	Times      []float64
	Species    []string
	NumSims    int
	NumSpecies int
	Data       []int32
}

func (tr *Trajectory) index(sim, t, species int) int {
	return (sim*len(tr.Times)+t)*tr.NumSpecies + species
}

// At is the copy number of species in simulation sim at checkpoint t.
func (tr *Trajectory) At(sim, t, species int) int32 {
	return tr.Data[tr.index(sim, t, species)]
}

// Sim returns simulation sim as one row per checkpoint. The rows alias Data.
func (tr *Trajectory) Sim(sim int) [][]int32 {
	out := make([][]int32, len(tr.Times))
	for t := range out {
		off := tr.index(sim, t, 0)
		out[t] = tr.Data[off : off+tr.NumSpecies : off+tr.NumSpecies]
	}
	return out
}

// Column is species across all simulations at checkpoint t.
func (tr *Trajectory) Column(t, species int) []float64 {
	out := make([]float64, tr.NumSims)
	for i := range out {
		out[i] = float64(tr.At(i, t, species))
	}
	return out
}

// Observable evaluates obs for every simulation and checkpoint, [sim][time].
func (tr *Trajectory) Observable(obs network.Observable) ([][]float64, error) {
	if len(obs.Coefficients) != len(obs.Species) {
		return nil, fmt.Errorf("observable %s: %d coefficients for %d species", obs.Name, len(obs.Coefficients), len(obs.Species))
	}
	for _, sp := range obs.Species {
		if sp < 0 || sp >= tr.NumSpecies {
			return nil, fmt.Errorf("observable %s: species %d out of range", obs.Name, sp)
		}
	}
	out := make([][]float64, tr.NumSims)
	for i := range out {
		out[i] = make([]float64, len(tr.Times))
		for t := range tr.Times {
			v := 0.0
			for k, sp := range obs.Species {
				v += float64(obs.Coefficients[k]) * float64(tr.At(i, t, sp))
			}
			out[i][t] = v
		}
	}
	return out, nil
}

// Summary describes the distribution of one species over the simulations at
// one checkpoint.
type Summary struct {
	Time   float64 `json:"time"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	P5     float64 `json:"p5"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

// Summary computes the ensemble statistics of species at checkpoint t.
func (tr *Trajectory) Summary(t, species int) (Summary, error) {
	xs := tr.Column(t, species)
	s := Summary{Time: tr.Times[t]}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	if len(xs) < 2 {
		s.StdDev = 0
	}
	var err error
	if s.Min, err = stats.Min(xs); err != nil {
		return Summary{}, err
	}
	if s.Max, err = stats.Max(xs); err != nil {
		return Summary{}, err
	}
	if s.Median, err = stats.Median(xs); err != nil {
		return Summary{}, err
	}
	if s.P5, err = stats.PercentileNearestRank(xs, 5); err != nil {
		return Summary{}, err
	}
	if s.P95, err = stats.PercentileNearestRank(xs, 95); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// WriteCSV writes one row per simulation and checkpoint: sim, time, then one
// column per species.
func (tr *Trajectory) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append([]string{"sim", "time"}, tr.Species...)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, 2+tr.NumSpecies)
	for i := 0; i < tr.NumSims; i++ {
		for t, tv := range tr.Times {
			row[0] = strconv.Itoa(i)
			row[1] = strconv.FormatFloat(tv, 'g', -1, 64)
			for j := 0; j < tr.NumSpecies; j++ {
				row[2+j] = strconv.Itoa(int(tr.At(i, t, j)))
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
