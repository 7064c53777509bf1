package layers

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// TestConvTransposeBlockBare checks that with every optional stage disabled the
// block is exactly the ConvTranspose primitive.
func TestConvTransposeBlockBare(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	diff := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 2, 4, 4, 3))
		blockOut := ConvTransposeBlock(ctx.In("block"), x).
			Filters(5).Strides(2).
			BatchNorm(false).
			WithKernelInitializer(initializers.One).
			Done()
		primitiveOut := ConvTranspose(ctx.In("primitive"), x).
			Filters(5).Strides(2).
			WithKernelInitializer(initializers.One).
			Done()
		return ReduceAllMax(Abs(Sub(blockOut, primitiveOut)))
	})
	require.Equal(t, float32(0), diff.Value().(float32))
}

// TestConvTransposeBlockStages runs a fully loaded block in training mode and
// checks the output shape and the variables each stage registered.
func TestConvTransposeBlockStages(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		x := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 2, 4, 4, 3))
		return ConvTransposeBlock(ctx, x).
			Name("up").
			Filters(4).Strides(2).
			Activation("prelu").
			DropoutKeepProbability(0.9).
			Done()
	})
	require.Equal(t, []int{2, 8, 8, 4}, got.Shape().Dimensions)

	// The scope name records the enabled stages, and each stage keeps its
	// variables in its own sub-scope.
	weights := findVariable(ctx, "/up_bn_prelu/conv_transpose", "weights")
	require.NotNil(t, weights)
	require.Equal(t, []int{3, 3, 4, 3}, weights.Shape().Dimensions)
	require.NotNil(t, findVariable(ctx, "/up_bn_prelu/batch_normalization", "scale"))
	require.NotNil(t, findVariable(ctx, "/up_bn_prelu/batch_normalization", "offset"))
	alpha := findVariable(ctx, "/up_bn_prelu/activation", "alpha")
	require.NotNil(t, alpha)
	require.Equal(t, []int{4}, alpha.Shape().Dimensions)
}

// TestConvTransposeBlockDropoutInference checks dropout is an identity when not
// training.
func TestConvTransposeBlockDropoutInference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	diff := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 2, 5, 3))
		withDropout := ConvTransposeBlock(ctx.In("a"), x).
			Filters(2).BatchNorm(false).
			DropoutKeepProbability(0.5).
			WithKernelInitializer(initializers.One).
			Done()
		without := ConvTransposeBlock(ctx.In("b"), x).
			Filters(2).BatchNorm(false).
			WithKernelInitializer(initializers.One).
			Done()
		return ReduceAllMax(Abs(Sub(withDropout, without)))
	})
	require.Equal(t, float32(0), diff.Value().(float32))
}

// TestConvTransposeBlockVolume upsamples a 3D volume through the full
// batch-norm + relu pipeline in training mode.
func TestConvTransposeBlockVolume(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(1)
	outputs := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		ctx.SetTraining(g, true)
		x := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 1, 8, 8, 8, 4))
		y := ConvTransposeBlock(ctx, x).
			Name("upsample").
			Filters(16).KernelSize(3).Strides(2).
			Activation("relu").
			Done()
		return []*Node{y, ReduceAllMax(Neg(y))}
	}).Call()
	require.Equal(t, []int{1, 16, 16, 16, 16}, outputs[0].Shape().Dimensions)
	// Relu is the last stage, so nothing negative may come out.
	require.LessOrEqual(t, outputs[1].Value().(float32), float32(0))
}

func TestConvTransposeBlockValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	newBlock := func() *ConvTransposeBlockConfig {
		ctx := context.New()
		ctx.RngStateFromSeed(0)
		var cfg *ConvTransposeBlockConfig
		_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 1, 4, 2))
			cfg = ConvTransposeBlock(ctx, x)
			return x
		})
		return cfg
	}

	require.Panics(t, func() { newBlock().Name("") })
	require.Panics(t, func() { newBlock().MovingDecay(1.0) })
	require.Panics(t, func() { newBlock().Epsilon(0) })
	require.Panics(t, func() { newBlock().Activation("gelu") })
	require.Panics(t, func() { newBlock().DropoutKeepProbability(0) })
	require.Panics(t, func() { newBlock().DropoutKeepProbability(1.5) })
}
