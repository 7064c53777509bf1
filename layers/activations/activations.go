// Package activations implements the catalog of activation functions available
// to the composite layers, selectable by name. Use FromName to convert a name to
// its Type -- it panics on unknown names -- and Apply to apply it to a node.
//
// Most activations are stateless graph computations; PRelu owns a per-channel
// trainable "alpha" variable created in the given context scope.
package activations

import (
	"sort"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/xslices"
)

// Type is an enum for the supported activation functions. TypeNone is a no-op.
type Type int

const (
	TypeNone Type = iota
	TypeRelu
	TypeRelu6
	TypeLeakyRelu
	TypeElu
	TypePRelu
	TypeSigmoid
	TypeTanh
	TypeSoftmax
	TypeSoftplus
	TypeSoftsign
	TypeSwish
)

var typeNames = map[string]Type{
	"relu":       TypeRelu,
	"relu6":      TypeRelu6,
	"leaky_relu": TypeLeakyRelu,
	"elu":        TypeElu,
	"prelu":      TypePRelu,
	"sigmoid":    TypeSigmoid,
	"tanh":       TypeTanh,
	"softmax":    TypeSoftmax,
	"softplus":   TypeSoftplus,
	"softsign":   TypeSoftsign,
	"swish":      TypeSwish,
}

// TypeNames returns the sorted list of supported activation names.
func TypeNames() []string {
	names := make([]string, 0, len(typeNames))
	for name := range typeNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String returns the name of the activation type, the same accepted by FromName.
func (t Type) String() string {
	for name, value := range typeNames {
		if value == t {
			return name
		}
	}
	if t == TypeNone {
		return "none"
	}
	return "invalid"
}

// FromName converts the name of an activation to its type. It panics with a
// helpful message if the name is unknown. An empty string is converted to
// TypeNone.
func FromName(name string) Type {
	if name == "" {
		return TypeNone
	}
	activation, found := typeNames[name]
	if !found {
		Panicf("invalid activation name %q: options are %v", name, TypeNames())
	}
	return activation
}

// Apply the given activation type to x. The TypeNone activation is a no-op.
//
// ctx is only used by activations holding variables (PRelu); it is otherwise
// ignored and may be nil.
func Apply(ctx *context.Context, activation Type, x *Node) *Node {
	switch activation {
	case TypeNone:
		return x
	case TypeRelu:
		return Relu(x)
	case TypeRelu6:
		return Relu6(x)
	case TypeLeakyRelu:
		return LeakyRelu(x)
	case TypeElu:
		return Elu(x)
	case TypePRelu:
		return PRelu(ctx, x)
	case TypeSigmoid:
		return Sigmoid(x)
	case TypeTanh:
		return Tanh(x)
	case TypeSoftmax:
		return Softmax(x)
	case TypeSoftplus:
		return Softplus(x)
	case TypeSoftsign:
		return Softsign(x)
	case TypeSwish:
		return Swish(x)
	default:
		Panicf("invalid activation value %d: options are %v", activation, TypeNames())
	}
	return nil
}

// Relu activation function. It returns Max(x, 0).
func Relu(x *Node) *Node {
	return Max(x, ZerosLike(x))
}

// Relu6 activation function: Min(Max(x, 0), 6).
func Relu6(x *Node) *Node {
	return MinScalar(Relu(x), 6)
}

// LeakyRelu activation function. It allows a small gradient when the unit is not
// active (x < 0). The slope for negative values is fixed at 0.3.
func LeakyRelu(x *Node) *Node {
	return LeakyReluWithAlpha(x, 0.3)
}

// LeakyReluWithAlpha returns `x if x >= 0; alpha*x if x < 0`.
func LeakyReluWithAlpha(x *Node, alpha float64) *Node {
	g := x.Graph()
	return Where(
		GreaterOrEqual(x, ScalarZero(g, x.DType())),
		x,
		MulScalar(x, alpha))
}

// Elu (exponential linear unit) returns `x if x > 0; exp(x)-1 if x <= 0`.
func Elu(x *Node) *Node {
	g := x.Graph()
	return Where(
		GreaterThan(x, ScalarZero(g, x.DType())),
		x,
		MinusOne(Exp(x)))
}

// PRelu is a parametric Relu: the negative slope is a trainable variable
// ("alpha"), one value per channel (the last axis of x), initialized to zero.
func PRelu(ctx *context.Context, x *Node) *Node {
	if ctx == nil {
		Panicf("activations.PRelu requires a context.Context to hold its alpha variable")
	}
	g := x.Graph()
	numChannels := x.Shape().Dimensions[x.Rank()-1]
	alphaVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("alpha", shapes.Make(x.DType(), numChannels))
	alpha := alphaVar.ValueGraph(g)
	broadcastDims := xslices.SliceWithValue(x.Rank(), 1)
	broadcastDims[x.Rank()-1] = numChannels
	alpha = Reshape(alpha, broadcastDims...)

	// relu(x) + alpha * (x - |x|) / 2: the second term is alpha*x for negative
	// values and zero otherwise.
	negatives := MulScalar(Sub(x, Abs(x)), 0.5)
	return Add(Relu(x), Mul(alpha, negatives))
}

// Softsign returns `x / (1 + |x|)`.
func Softsign(x *Node) *Node {
	return Div(x, AddScalar(Abs(x), 1))
}

// Swish (or SiLU) returns `x * Sigmoid(x)`.
func Swish(x *Node) *Node {
	return Mul(x, Sigmoid(x))
}
