package layers

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gomlx/types/xslices"
)

// ConvTransposeConfig is a helper to build a transposed convolution. Create it
// with ConvTranspose, set the desired parameters and when all is set, call Done.
type ConvTransposeConfig struct {
	ctx                *context.Context
	x                  *Node
	numSpatialDims     int
	channelsAxisConfig images.ChannelsAxisConfig
	filters            int
	kernelSizes        []int
	strides            []int
	padding            Padding
	useBias            bool

	kernelInitializer, biasInitializer initializers.VariableInitializer
	kernelRegularizer, biasRegularizer regularizers.Regularizer

	newScope bool
}

// ConvTranspose prepares a transposed convolution (aka. deconvolution) of x for
// an arbitrary number of spatial dimensions (1D, 2D, 3D, etc.). It is the
// upsampling counterpart of a convolution: with stride > 1 the spatial
// dimensions of the output grow by that factor.
//
// The shape of x should be `[batch, <spatial_dimensions...>, input_channels]` if
// configured with `ChannelsAxis(images.ChannelsLast)`, the default. If one sets
// `ChannelsAxis(images.ChannelsFirst)`, the shape should be
// `[batch, input_channels, <spatial_dimensions...>]` instead.
//
// Filters (the number of output channels) must be set. Kernel size defaults to 3,
// stride to 1 and padding to PaddingSame. Once set up, call Done and it will
// create the kernel (and optionally bias) variables and return the transposed
// convolution of x.
func ConvTranspose(ctx *context.Context, x *Node) *ConvTransposeConfig {
	conv := &ConvTransposeConfig{
		ctx:      ctx,
		x:        x,
		newScope: true,
	}
	conv.numSpatialDims = x.Rank() - 2
	if conv.numSpatialDims < 1 {
		Panicf("input x must have rank >= 3, shaped by default as [batch, <spatial_dimensions...>, channels], "+
			"but x rank is %d", x.Rank())
	}
	return conv.ChannelsAxis(images.ChannelsLast).KernelSize(3).Strides(1).
		WithPadding(PaddingSame).UseBias(false)
}

// Filters sets the number of filters -- specifies the number of output channels.
// There is no default and this number must be set, before Done is called.
func (conv *ConvTransposeConfig) Filters(filters int) *ConvTransposeConfig {
	if filters <= 0 {
		Panicf("number of filters must be > 0, it was set to %d", filters)
	}
	conv.filters = filters
	return conv
}

// KernelSize sets the kernel size for every spatial axis. Default is 3.
//
// You can also use KernelSizePerDim to set the kernel size per dimension (axis)
// individually.
func (conv *ConvTransposeConfig) KernelSize(size int) *ConvTransposeConfig {
	perDim := xslices.SliceWithValue(conv.numSpatialDims, size)
	return conv.KernelSizePerDim(perDim...)
}

// KernelSizePerDim sets the kernel size for each spatial dimension (axis).
// Default is 3 for every axis.
func (conv *ConvTransposeConfig) KernelSizePerDim(sizes ...int) *ConvTransposeConfig {
	if len(sizes) != conv.numSpatialDims {
		Panicf("received %d kernel sizes, but x has %d spatial dimensions",
			len(sizes), conv.numSpatialDims)
	}
	for _, size := range sizes {
		if size < 1 {
			Panicf("kernel sizes must be >= 1, got %v", sizes)
		}
	}
	conv.kernelSizes = sizes
	return conv
}

// Strides sets the strides of the transposed convolution -- the upsampling
// factor. It sets the same value for every spatial dimension. The default is 1.
//
// The stride is how many steps the output moves for each input position: a value
// of 2 doubles the spatial size of the output.
func (conv *ConvTransposeConfig) Strides(strides int) *ConvTransposeConfig {
	perDim := xslices.SliceWithValue(conv.numSpatialDims, strides)
	return conv.StridePerDim(perDim...)
}

// StridePerDim sets the strides for each spatial dimension. The default is 1 for
// every dimension.
func (conv *ConvTransposeConfig) StridePerDim(strides ...int) *ConvTransposeConfig {
	if len(strides) != conv.numSpatialDims {
		Panicf("received %d strides in StridePerDim, but x has %d spatial dimensions",
			len(strides), conv.numSpatialDims)
	}
	for _, stride := range strides {
		if stride < 1 {
			Panicf("strides must be >= 1, got %v", strides)
		}
	}
	conv.strides = strides
	return conv
}

// WithPadding sets the padding mode, one of PaddingSame or PaddingValid. The
// default is PaddingSame. Any other value panics immediately.
//
// With PaddingSame the output spatial size is `input size * stride`; with
// PaddingValid it is `input size * stride + max(kernel size - stride, 0)`.
func (conv *ConvTransposeConfig) WithPadding(padding Padding) *ConvTransposeConfig {
	padding.check()
	conv.padding = padding
	return conv
}

// PadSame is a shortcut for WithPadding(PaddingSame). This is the default.
func (conv *ConvTransposeConfig) PadSame() *ConvTransposeConfig {
	return conv.WithPadding(PaddingSame)
}

// PadValid is a shortcut for WithPadding(PaddingValid).
func (conv *ConvTransposeConfig) PadValid() *ConvTransposeConfig {
	return conv.WithPadding(PaddingValid)
}

// UseBias sets whether to add a trainable bias term, one value per output
// channel, after the transposed convolution. Default is false.
func (conv *ConvTransposeConfig) UseBias(useBias bool) *ConvTransposeConfig {
	conv.useBias = useBias
	return conv
}

// ChannelsAxis configures the axis for the channels (aka. "depth" or "features")
// dimension. The default is `images.ChannelsLast`, meaning the "channels"
// dimension comes last.
//
// It returns the modified Config object, so calls can be cascaded.
func (conv *ConvTransposeConfig) ChannelsAxis(channelsAxisConfig images.ChannelsAxisConfig) *ConvTransposeConfig {
	conv.channelsAxisConfig = channelsAxisConfig
	return conv
}

// WithKernelInitializer sets the initializer for the kernel variable. The
// default is HeTruncatedNormalFn(initializers.NoSeed).
func (conv *ConvTransposeConfig) WithKernelInitializer(initializer initializers.VariableInitializer) *ConvTransposeConfig {
	conv.kernelInitializer = initializer
	return conv
}

// WithBiasInitializer sets the initializer for the bias variable, only used if
// UseBias(true). The default is initializers.Zero.
func (conv *ConvTransposeConfig) WithBiasInitializer(initializer initializers.VariableInitializer) *ConvTransposeConfig {
	conv.biasInitializer = initializer
	return conv
}

// WithKernelRegularizer sets the regularizer applied to the kernel variable.
// If not set, it defaults to whatever regularizers.FromContext finds in the
// context hyperparameters.
func (conv *ConvTransposeConfig) WithKernelRegularizer(regularizer regularizers.Regularizer) *ConvTransposeConfig {
	conv.kernelRegularizer = regularizer
	return conv
}

// WithBiasRegularizer sets the regularizer applied to the bias variable. The
// default is none.
func (conv *ConvTransposeConfig) WithBiasRegularizer(regularizer regularizers.Regularizer) *ConvTransposeConfig {
	conv.biasRegularizer = regularizer
	return conv
}

// CurrentScope configures the transposed convolution to create its variables in
// the current scope provided in ConvTranspose, instead of the default
// "conv_transpose" sub-scope.
func (conv *ConvTransposeConfig) CurrentScope() *ConvTransposeConfig {
	conv.newScope = false
	return conv
}

// transposePaddings returns the padding configuration that turns a stride-1,
// no-padding convolution over the interior-dilated input into the requested
// transposed convolution: for each spatial axis the input gets stride-1 zeros
// interleaved (Interior) plus edge zeros (Start/End) sized so the output matches
// the padding mode's shape contract.
func (conv *ConvTransposeConfig) transposePaddings(spatialAxes []int, rank int) []PadAxis {
	padConfig := make([]PadAxis, rank)
	for ii, axis := range spatialAxes {
		kernelSize := conv.kernelSizes[ii]
		stride := conv.strides[ii]
		var start, end int
		switch conv.padding {
		case PaddingSame:
			// Mirrors the gradient of a PadSame forward convolution, whose
			// total padding is max(kernelSize-stride, 0), short half first.
			forwardStart := max(kernelSize-stride, 0) / 2
			start = kernelSize - 1 - forwardStart
			end = stride - 1 + forwardStart
		case PaddingValid:
			start = kernelSize - 1
			end = stride - 1 + max(kernelSize-stride, 0)
		}
		padConfig[axis] = PadAxis{Start: start, End: end, Interior: stride - 1}
	}
	return padConfig
}

// Done indicates that the ConvTranspose layer is finished being configured. It
// then creates the kernel (and bias) variables and returns the transposed
// convolution of x.
//
// The kernel variable ("weights") is shaped `[<kernel_size...>, filters,
// input_channels]` for ChannelsLast, `[filters, <kernel_size...>,
// input_channels]` for ChannelsFirst. It is created on the first call within a
// scope and reused afterwards.
func (conv *ConvTransposeConfig) Done() *Node {
	ctxInScope := conv.ctx
	if conv.newScope {
		ctxInScope = ctxInScope.In("conv_transpose")
	}
	g := conv.x.Graph()
	if conv.filters <= 0 {
		Panicf("layers.ConvTranspose requires Filters to be set")
	}

	xShape := conv.x.Shape()
	dtype := xShape.DType
	channelsAxis := images.GetChannelsAxis(conv.x, conv.channelsAxisConfig)
	spatialAxes := images.GetSpatialAxes(conv.x, conv.channelsAxisConfig)
	inputChannels := xShape.Dimensions[channelsAxis]

	// Kernel variable and the axes layout of the underlying convolution: the
	// kernel maps input_channels to filters, so its "output" axis is the one
	// sized filters and its "input" axis the one sized input_channels.
	var axes ConvolveAxesConfig
	axes.InputBatch = 0
	axes.InputChannel = channelsAxis
	axes.InputSpatial = spatialAxes
	axes.OutputBatch = 0
	axes.OutputChannel = channelsAxis
	axes.OutputSpatial = spatialAxes
	kernelDims := make([]int, 0, conv.numSpatialDims+2)
	if conv.channelsAxisConfig == images.ChannelsFirst {
		kernelDims = append(kernelDims, conv.filters)
		kernelDims = append(kernelDims, conv.kernelSizes...)
		kernelDims = append(kernelDims, inputChannels)
		axes.KernelOutputChannel = 0
		axes.KernelSpatial = xslices.Iota(1, conv.numSpatialDims)
	} else {
		kernelDims = append(kernelDims, conv.kernelSizes...)
		kernelDims = append(kernelDims, conv.filters)
		kernelDims = append(kernelDims, inputChannels)
		axes.KernelSpatial = xslices.Iota(0, conv.numSpatialDims)
		axes.KernelOutputChannel = conv.numSpatialDims
	}
	axes.KernelInputChannel = conv.numSpatialDims + 1

	kernelInitializer := conv.kernelInitializer
	if kernelInitializer == nil {
		kernelInitializer = HeTruncatedNormalFn(initializers.NoSeed)
	}
	kernelVar := ctxInScope.WithInitializer(kernelInitializer).
		VariableWithShape("weights", shapes.Make(dtype, kernelDims...))
	kernelRegularizer := conv.kernelRegularizer
	if kernelRegularizer == nil {
		kernelRegularizer = regularizers.FromContext(ctxInScope)
	}
	if kernelRegularizer != nil {
		kernelRegularizer(ctxInScope, g, kernelVar)
	}
	kernel := kernelVar.ValueGraph(g)

	// A transposed convolution is a stride-1 convolution of the zero-dilated
	// input against the spatially reversed kernel. Folding the interior and edge
	// zeros into one Pad keeps the operation differentiable, since the backward
	// pass of an input-dilated convolution is not defined in the framework.
	kernel = Reverse(kernel, axes.KernelSpatial...)
	expanded := Pad(conv.x, ScalarZero(g, dtype), conv.transposePaddings(spatialAxes, xShape.Rank())...)
	output := Convolve(expanded, kernel).AxesConfig(axes).NoPadding().Done()

	if conv.useBias {
		biasInitializer := conv.biasInitializer
		if biasInitializer == nil {
			biasInitializer = initializers.Zero
		}
		biasVar := ctxInScope.WithInitializer(biasInitializer).
			VariableWithShape("biases", shapes.Make(dtype, conv.filters))
		if conv.biasRegularizer != nil {
			conv.biasRegularizer(ctxInScope, g, biasVar)
		}
		bias := biasVar.ValueGraph(g)
		expandedDims := xslices.SliceWithValue(output.Rank(), 1)
		expandedDims[channelsAxis] = conv.filters
		output = Add(output, Reshape(bias, expandedDims...))
	}
	return output
}
