package layers

import (
	"math"
	"sync"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

var (
	muRngStates sync.Mutex
	rngStates   = make(map[GraphId]*Node)
)

// useRngState provides a random number generator state for the current graph and
// stores back the updated state returned by fn, so consecutive variables
// initialized on the same graph get different values.
func useRngState(g *Graph, initialSeed int64, fn func(rngState *Node) (newRngState *Node)) {
	muRngStates.Lock()
	defer muRngStates.Unlock()

	rngState, found := rngStates[g.GraphId()]
	if !found {
		if initialSeed != initializers.NoSeed {
			rngState = Const(g, RngStateFromSeed(initialSeed))
		} else {
			rngState = Const(g, RngState())
		}
	}
	rngStates[g.GraphId()] = fn(rngState)
}

// HeTruncatedNormalFn returns the default kernel initializer: a He-style
// variance-scaling truncated normal, with stddev derived from the variable shape
// as sqrt(2 / fanIn), fanIn being the product of all but the last axis. Samples
// beyond two standard deviations are clipped back to the truncation bound.
//
// If initialSeed is initializers.NoSeed (0), a random seed is used.
func HeTruncatedNormalFn(initialSeed int64) initializers.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() {
			Panicf("cannot initialize non-float variable with HeTruncatedNormalFn -- shape requested %s", shape)
		}
		fanIn := 1
		for _, dim := range shape.Dimensions[:shape.Rank()-1] {
			fanIn *= dim
		}
		stddev := math.Sqrt(2.0 / float64(fanIn))
		var values *Node
		useRngState(g, initialSeed, func(rngState *Node) (newRngState *Node) {
			newRngState, values = RandomNormal(rngState, shape)
			return newRngState
		})
		values = ClipScalar(values, -2.0, 2.0)
		return MulScalar(values, stddev)
	}
}
