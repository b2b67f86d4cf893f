// Package gossa compiles reaction networks into GPU stochastic simulation
// kernels and dispatches batched Gillespie simulations.
//
// Pipeline:
//   - network: reactions, species, parameters, expression macros, observables
//   - propensity: rate expressions -> hazard source text (falling factorial
//     mass-action combinatorics, indexed state/parameter arrays)
//   - kernel: hazard and stoichiometry text embedded in the CUDA template
//   - device: host (CPU) or CUDA backend builds the kernel once
//   - ssa: batches parameter/initial-condition rows, pads them to whole
//     thread blocks, dispatches, and truncates results to [sim][time][species]
//
// The root package only carries the error taxonomy shared by the subpackages.
package gossa
