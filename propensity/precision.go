package propensity

import (
	"fmt"
	"strings"
)

// Precision selects the floating point width of generated kernels.
type Precision int

const (
	Single Precision = iota
	Double
)

func (p Precision) String() string {
	if p == Double {
		return "double"
	}
	return "single"
}

// Bits is 32 or 64.
func (p Precision) Bits() int {
	if p == Double {
		return 64
	}
	return 32
}

// CType is the C scalar type name.
func (p Precision) CType() string {
	if p == Double {
		return "double"
	}
	return "float"
}

// Uniform is the cuRAND sampler returning a value in (0, 1].
func (p Precision) Uniform() string {
	if p == Double {
		return "curand_uniform_double"
	}
	return "curand_uniform"
}

// Intrinsic maps a math function to its C name at this precision. Single
// precision uses the f-suffixed variants.
func (p Precision) Intrinsic(name string) string {
	c, ok := cIntrinsics[name]
	if !ok {
		c = name
	}
	if p == Single {
		return c + "f"
	}
	return c
}

var cIntrinsics = map[string]string{
	"exp":   "exp",
	"log":   "log",
	"pow":   "pow",
	"sqrt":  "sqrt",
	"abs":   "fabs",
	"min":   "fmin",
	"max":   "fmax",
	"sin":   "sin",
	"cos":   "cos",
	"tan":   "tan",
	"floor": "floor",
	"ceil":  "ceil",
}

// ParsePrecision accepts 32, 64, single, double, float, float32, float64.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "32", "single", "float", "float32":
		return Single, nil
	case "64", "double", "float64":
		return Double, nil
	}
	return Single, fmt.Errorf("unknown precision %q (want 32 or 64)", s)
}
