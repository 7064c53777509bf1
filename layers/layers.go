// Package layers provides NiftyNet-style neural-network layer builders on top of
// the gomlx framework: a transposed-convolution ("deconvolution") primitive and a
// composite upsampling block that chains it with optional batch-normalization,
// activation and dropout stages.
//
// Layers follow the gomlx builder convention: a constructor takes a
// *context.Context (which owns the variables) and the input *Node, configuration
// is chained, and Done() materializes the variables and returns the output node.
// Anything invalid -- an unknown padding mode, a non-positive filter count, a
// mismatched per-axis parameter -- panics immediately while the configuration or
// graph is being built, in the style of the underlying framework.
package layers

import (
	"strings"

	. "github.com/gomlx/exceptions"
)

// Padding selects how the transposed convolution sizes its output, following the
// usual deconvolution semantics:
//
//   - PaddingSame: output spatial size = input size * stride.
//   - PaddingValid: output spatial size = input size * stride + max(kernel-stride, 0).
type Padding int

const (
	PaddingSame Padding = iota
	PaddingValid
)

// paddingNames doubles as the set of supported padding modes.
var paddingNames = map[string]Padding{
	"SAME":  PaddingSame,
	"VALID": PaddingValid,
}

// PaddingFromName converts a padding mode name ("SAME" or "VALID", any case) to
// its Padding value. It panics on anything else.
func PaddingFromName(name string) Padding {
	padding, found := paddingNames[strings.ToUpper(name)]
	if !found {
		Panicf("unsupported padding mode %q: options are \"SAME\" or \"VALID\"", name)
	}
	return padding
}

// String returns the canonical (upper-case) name of the padding mode.
func (p Padding) String() string {
	switch p {
	case PaddingSame:
		return "SAME"
	case PaddingValid:
		return "VALID"
	}
	return "INVALID"
}

func (p Padding) check() {
	if p != PaddingSame && p != PaddingValid {
		Panicf("invalid Padding value %d: use PaddingSame or PaddingValid", p)
	}
}
