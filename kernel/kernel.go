// Package kernel assembles CUDA Gillespie kernels from compiled propensities.
//
// The template is embedded in the binary and parameterized explicitly by
// precision: the scalar type is introduced once as real_t and every
// precision-specific intrinsic is chosen at assembly time.
package kernel

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"strconv"
	"text/template"

	"github.com/njchilds90/gossa"
	"github.com/njchilds90/gossa/network"
	"github.com/njchilds90/gossa/propensity"
)

// Entry points every assembled kernel exports.
const (
	EntryOneStep  = "Gillespie_one_step"
	EntryAllSteps = "Gillespie_all_steps"
)

// HarnessDefine compiles the stdin/stdout host harness into the source.
const HarnessDefine = "GOSSA_HARNESS"

//go:embed templates/gillespie.cu.tmpl
var gillespieTemplate string

var tmpl = template.Must(template.New("gillespie").Option("missingkey=error").Parse(gillespieTemplate))

// Source is an assembled kernel. It is immutable.
type Source struct {
	Text        string
	Precision   propensity.Precision
	Digest      string
	EntryPoints []string
	Program     *propensity.Program
}

type templateData struct {
	Network      string
	Precision    string
	RealType     string
	NumSpecies   int
	NumParams    int
	NumReactions int
	Stoich       string
	Hazards      string
	Uniform      string
	LogFn        string
}

// Assemble fills the template with prog's hazard and stoichiometry text. The
// program must have been compiled with the CUDA dialect of the same precision.
// name only appears in a header comment, reduced to network.SafeName.
func Assemble(name string, prog *propensity.Program, prec propensity.Precision) (*Source, error) {
	if want := propensity.CUDA(prec).Name(); prog.Dialect().Name() != want {
		return nil, gossa.Configf("precision", "program rendered for %s, kernel wants %s", prog.Dialect().Name(), want)
	}
	if err := prog.Stoichiometry().Check(prog.NumReactions, prog.NumSpecies); err != nil {
		return nil, err
	}
	data := templateData{
		Network:      strconv.Quote(network.SafeName(name)),
		Precision:    prec.String(),
		RealType:     prec.CType(),
		NumSpecies:   prog.NumSpecies,
		NumParams:    prog.NumParams,
		NumReactions: prog.NumReactions,
		Stoich:       prog.StoichText(),
		Hazards:      prog.HazardBlock(),
		Uniform:      prec.Uniform(),
		LogFn:        prec.Intrinsic("log"),
	}
	var b bytes.Buffer
	if err := tmpl.Execute(&b, data); err != nil {
		return nil, fmt.Errorf("assemble kernel: %w", err)
	}
	sum := sha256.Sum256(b.Bytes())
	return &Source{
		Text:        b.String(),
		Precision:   prec,
		Digest:      hex.EncodeToString(sum[:]),
		EntryPoints: []string{EntryOneStep, EntryAllSteps},
		Program:     prog,
	}, nil
}

// ShortDigest is the first 12 hex digits of the digest, for file names and logs.
func (s *Source) ShortDigest() string { return s.Digest[:12] }
