package layers

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	mllayers "github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gomlx/types/xslices"

	"github.com/daichuanliang/NiftyNet/layers/activations"
)

// ConvTransposeBlockConfig is a helper to build a composite upsampling block:
// transposed convolution, then optionally batch-normalization, activation and
// dropout, each stage independently enabled. Create it with ConvTransposeBlock,
// set the desired parameters and when all is set, call Done.
type ConvTransposeBlockConfig struct {
	ctx            *context.Context
	x              *Node
	numSpatialDims int
	name           string

	// Settings forwarded to the ConvTranspose primitive.
	channelsAxisConfig images.ChannelsAxisConfig
	filters            int
	kernelSizes        []int
	strides            []int
	padding            Padding
	useBias            bool

	kernelInitializer, biasInitializer initializers.VariableInitializer
	kernelRegularizer, biasRegularizer regularizers.Regularizer

	// Optional stages.
	withBatchNorm        bool
	movingDecay, epsilon float64
	activation           activations.Type
	dropoutKeepProb      float64
}

// ConvTransposeBlock prepares a composite layer on x:
//
//	transposed convolution -> [batch-norm] -> [activation] -> [dropout]
//
// Batch-normalization is on by default (see BatchNorm); activation and dropout
// are off until Activation or DropoutKeepProbability are set. Disabling all
// three stages yields exactly the ConvTranspose primitive's output.
//
// The block's variables live under a scope named after the block (see Name),
// suffixed with "_bn" when batch-normalization is enabled and with the
// activation name when one is set, so differently-configured blocks never
// silently share parameters.
func ConvTransposeBlock(ctx *context.Context, x *Node) *ConvTransposeBlockConfig {
	cfg := &ConvTransposeBlockConfig{
		ctx:           ctx,
		x:             x,
		name:          "conv_transpose",
		withBatchNorm: true,
		movingDecay:   0.9,
		epsilon:       1e-5,
	}
	cfg.numSpatialDims = x.Rank() - 2
	if cfg.numSpatialDims < 1 {
		Panicf("input x must have rank >= 3, shaped by default as [batch, <spatial_dimensions...>, channels], "+
			"but x rank is %d", x.Rank())
	}
	return cfg.ChannelsAxis(images.ChannelsLast).KernelSize(3).Strides(1).
		WithPadding(PaddingSame).UseBias(false)
}

// Name sets the base name of the block's variable scope. The default is
// "conv_transpose".
func (cfg *ConvTransposeBlockConfig) Name(name string) *ConvTransposeBlockConfig {
	if name == "" {
		Panicf("block name must not be empty")
	}
	cfg.name = name
	return cfg
}

// Filters sets the number of output channels. There is no default and this
// number must be set, before Done is called.
func (cfg *ConvTransposeBlockConfig) Filters(filters int) *ConvTransposeBlockConfig {
	if filters <= 0 {
		Panicf("number of filters must be > 0, it was set to %d", filters)
	}
	cfg.filters = filters
	return cfg
}

// KernelSize sets the kernel size for every spatial axis. Default is 3.
func (cfg *ConvTransposeBlockConfig) KernelSize(size int) *ConvTransposeBlockConfig {
	perDim := xslices.SliceWithValue(cfg.numSpatialDims, size)
	return cfg.KernelSizePerDim(perDim...)
}

// KernelSizePerDim sets the kernel size for each spatial dimension (axis).
func (cfg *ConvTransposeBlockConfig) KernelSizePerDim(sizes ...int) *ConvTransposeBlockConfig {
	if len(sizes) != cfg.numSpatialDims {
		Panicf("received %d kernel sizes, but x has %d spatial dimensions",
			len(sizes), cfg.numSpatialDims)
	}
	cfg.kernelSizes = sizes
	return cfg
}

// Strides sets the upsampling stride for every spatial axis. Default is 1.
func (cfg *ConvTransposeBlockConfig) Strides(strides int) *ConvTransposeBlockConfig {
	perDim := xslices.SliceWithValue(cfg.numSpatialDims, strides)
	return cfg.StridePerDim(perDim...)
}

// StridePerDim sets the stride for each spatial dimension (axis).
func (cfg *ConvTransposeBlockConfig) StridePerDim(strides ...int) *ConvTransposeBlockConfig {
	if len(strides) != cfg.numSpatialDims {
		Panicf("received %d strides in StridePerDim, but x has %d spatial dimensions",
			len(strides), cfg.numSpatialDims)
	}
	cfg.strides = strides
	return cfg
}

// WithPadding sets the padding mode, one of PaddingSame or PaddingValid. The
// default is PaddingSame. Any other value panics immediately.
func (cfg *ConvTransposeBlockConfig) WithPadding(padding Padding) *ConvTransposeBlockConfig {
	padding.check()
	cfg.padding = padding
	return cfg
}

// PadSame is a shortcut for WithPadding(PaddingSame). This is the default.
func (cfg *ConvTransposeBlockConfig) PadSame() *ConvTransposeBlockConfig {
	return cfg.WithPadding(PaddingSame)
}

// PadValid is a shortcut for WithPadding(PaddingValid).
func (cfg *ConvTransposeBlockConfig) PadValid() *ConvTransposeBlockConfig {
	return cfg.WithPadding(PaddingValid)
}

// UseBias sets whether the transposed convolution adds a per-channel bias term.
// Default is false; usually unnecessary when batch-normalization is on, as its
// offset subsumes it.
func (cfg *ConvTransposeBlockConfig) UseBias(useBias bool) *ConvTransposeBlockConfig {
	cfg.useBias = useBias
	return cfg
}

// ChannelsAxis configures the axis for the channels dimension. The default is
// images.ChannelsLast.
func (cfg *ConvTransposeBlockConfig) ChannelsAxis(channelsAxisConfig images.ChannelsAxisConfig) *ConvTransposeBlockConfig {
	cfg.channelsAxisConfig = channelsAxisConfig
	return cfg
}

// WithKernelInitializer sets the initializer for the convolution kernel. The
// default is HeTruncatedNormalFn(initializers.NoSeed).
func (cfg *ConvTransposeBlockConfig) WithKernelInitializer(initializer initializers.VariableInitializer) *ConvTransposeBlockConfig {
	cfg.kernelInitializer = initializer
	return cfg
}

// WithBiasInitializer sets the initializer for the bias. Default is
// initializers.Zero.
func (cfg *ConvTransposeBlockConfig) WithBiasInitializer(initializer initializers.VariableInitializer) *ConvTransposeBlockConfig {
	cfg.biasInitializer = initializer
	return cfg
}

// WithKernelRegularizer sets the regularizer for the convolution kernel. If not
// set, it defaults to whatever regularizers.FromContext finds in the context
// hyperparameters.
func (cfg *ConvTransposeBlockConfig) WithKernelRegularizer(regularizer regularizers.Regularizer) *ConvTransposeBlockConfig {
	cfg.kernelRegularizer = regularizer
	return cfg
}

// WithBiasRegularizer sets the regularizer for the bias. Default is none.
func (cfg *ConvTransposeBlockConfig) WithBiasRegularizer(regularizer regularizers.Regularizer) *ConvTransposeBlockConfig {
	cfg.biasRegularizer = regularizer
	return cfg
}

// BatchNorm enables or disables the batch-normalization stage. It is enabled by
// default. During training it normalizes over the batch and updates moving
// averages of mean and variance; during inference it normalizes with the stored
// averages. Training vs. inference follows ctx.IsTraining.
func (cfg *ConvTransposeBlockConfig) BatchNorm(enabled bool) *ConvTransposeBlockConfig {
	cfg.withBatchNorm = enabled
	return cfg
}

// MovingDecay sets the exponential decay used for batch-normalization's moving
// mean and variance. The default is 0.9.
func (cfg *ConvTransposeBlockConfig) MovingDecay(decay float64) *ConvTransposeBlockConfig {
	if decay <= 0 || decay >= 1 {
		Panicf("moving decay must be in (0, 1), it was set to %g", decay)
	}
	cfg.movingDecay = decay
	return cfg
}

// Epsilon sets the small constant added to the variance for numerical stability
// in batch-normalization. The default is 1e-5.
func (cfg *ConvTransposeBlockConfig) Epsilon(epsilon float64) *ConvTransposeBlockConfig {
	if epsilon <= 0 {
		Panicf("epsilon must be > 0, it was set to %g", epsilon)
	}
	cfg.epsilon = epsilon
	return cfg
}

// Activation enables the activation stage, selecting the function by name --
// see package activations for the catalog. An unknown name panics immediately;
// an empty name disables the stage (the default).
func (cfg *ConvTransposeBlockConfig) Activation(name string) *ConvTransposeBlockConfig {
	cfg.activation = activations.FromName(name)
	return cfg
}

// DropoutKeepProbability enables the dropout stage: during training each value
// is kept with probability keepProb (and scaled by 1/keepProb), otherwise
// zeroed; during inference the stage is an identity. keepProb must be in
// (0, 1]. The stage is disabled by default.
func (cfg *ConvTransposeBlockConfig) DropoutKeepProbability(keepProb float64) *ConvTransposeBlockConfig {
	if keepProb <= 0 || keepProb > 1 {
		Panicf("dropout keep-probability must be in (0, 1], it was set to %g", keepProb)
	}
	cfg.dropoutKeepProb = keepProb
	return cfg
}

// scopeName returns the block's scope name: the base name plus suffixes
// recording which optional stages are active.
func (cfg *ConvTransposeBlockConfig) scopeName() string {
	name := cfg.name
	if cfg.withBatchNorm {
		name += "_bn"
	}
	if cfg.activation != activations.TypeNone {
		name += "_" + cfg.activation.String()
	}
	return name
}

// Done indicates that the block is finished being configured. It creates the
// transposed convolution and the enabled stages, and returns the output node.
func (cfg *ConvTransposeBlockConfig) Done() *Node {
	if cfg.filters <= 0 {
		Panicf("layers.ConvTransposeBlock requires Filters to be set")
	}
	ctxInScope := cfg.ctx.In(cfg.scopeName())

	conv := ConvTranspose(ctxInScope, cfg.x).
		Filters(cfg.filters).
		KernelSizePerDim(cfg.kernelSizes...).
		StridePerDim(cfg.strides...).
		WithPadding(cfg.padding).
		UseBias(cfg.useBias).
		ChannelsAxis(cfg.channelsAxisConfig)
	if cfg.kernelInitializer != nil {
		conv.WithKernelInitializer(cfg.kernelInitializer)
	}
	if cfg.biasInitializer != nil {
		conv.WithBiasInitializer(cfg.biasInitializer)
	}
	if cfg.kernelRegularizer != nil {
		conv.WithKernelRegularizer(cfg.kernelRegularizer)
	}
	if cfg.biasRegularizer != nil {
		conv.WithBiasRegularizer(cfg.biasRegularizer)
	}
	output := conv.Done()

	if cfg.withBatchNorm {
		channelsAxis := images.GetChannelsAxis(output, cfg.channelsAxisConfig)
		output = batchnorm.New(ctxInScope, output, channelsAxis).
			Momentum(cfg.movingDecay).
			Epsilon(cfg.epsilon).
			Done()
	}
	if cfg.activation != activations.TypeNone {
		output = activations.Apply(ctxInScope.In("activation"), cfg.activation, output)
	}
	if cfg.dropoutKeepProb > 0 {
		output = mllayers.DropoutStatic(ctxInScope, output, 1.0-cfg.dropoutKeepProb)
	}
	return output
}
