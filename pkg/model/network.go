// Package model implements the tumor classification network: two
// convolution stages followed by two fully connected layers, evaluated in
// inference mode only.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/menta2k/tumor-classifier/pkg/types"
)

// Fixed architecture
const (
	InputChannels = 3
	InputSize     = 224
	Conv1Channels = 16
	Conv2Channels = 32
	KernelSize    = 3
	Padding       = 1
	FeatureSize   = InputSize / 4
	FlatSize      = Conv2Channels * FeatureSize * FeatureSize
	HiddenUnits   = 128
)

// Network is the tumor classifier. Once loaded its weights are never
// modified, so a single Network may serve concurrent Forward calls.
type Network struct {
	conv1 *conv2d
	conv2 *conv2d
	fc1   *linear
	fc2   *linear
}

// New returns a network with no weights. Forward fails until weights are read.
func New() *Network {
	return &Network{}
}

func allocate() *Network {
	return &Network{
		conv1: newConv2d(InputChannels, Conv1Channels, KernelSize, Padding),
		conv2: newConv2d(Conv1Channels, Conv2Channels, KernelSize, Padding),
		fc1:   newLinear(FlatSize, HiddenUnits),
		fc2:   newLinear(HiddenUnits, types.NumClasses),
	}
}

// NewRandom returns a network initialized like a freshly constructed
// PyTorch module: weights and biases uniform in +-1/sqrt(fan_in). The same
// seed always yields the same weights.
func NewRandom(seed uint64) *Network {
	n := allocate()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	fill := func(data []float32, fanIn int) {
		bound := 1 / math.Sqrt(float64(fanIn))
		for i := range data {
			data[i] = float32((rng.Float64()*2 - 1) * bound)
		}
	}

	for _, c := range []*conv2d{n.conv1, n.conv2} {
		fill(c.weight, c.fanIn())
		fill(c.bias, c.fanIn())
	}
	for _, l := range []*linear{n.fc1, n.fc2} {
		fill(l.weight, l.in)
		fill(l.bias, l.in)
	}

	return n
}

// Loaded reports whether every layer has weights
func (n *Network) Loaded() bool {
	return n != nil && n.conv1 != nil && n.conv2 != nil && n.fc1 != nil && n.fc2 != nil
}

// ParamCount returns the number of trainable parameters
func (n *Network) ParamCount() int {
	if !n.Loaded() {
		return 0
	}
	total := 0
	for _, p := range n.parameters() {
		total += len(*p.data)
	}
	return total
}

// Summary describes the layer stack
func (n *Network) Summary() string {
	return fmt.Sprintf("conv(%d->%d,k%d) pool conv(%d->%d,k%d) pool fc(%d->%d) fc(%d->%d) params=%d",
		InputChannels, Conv1Channels, KernelSize,
		Conv1Channels, Conv2Channels, KernelSize,
		FlatSize, HiddenUnits, HiddenUnits, types.NumClasses,
		n.ParamCount())
}

// Forward computes the class logits for a normalized 3x224x224 tensor
func (n *Network) Forward(t *types.Tensor) (types.Scores, error) {
	var scores types.Scores

	if !n.Loaded() {
		return scores, &types.ModelNotLoadedError{Reason: "network has no weights"}
	}
	if t == nil {
		return scores, &types.InferenceError{Op: "input", Err: fmt.Errorf("nil tensor")}
	}
	if t.Shape() != [3]int{InputChannels, InputSize, InputSize} || len(t.Data) != InputChannels*InputSize*InputSize {
		return scores, &types.InferenceError{Op: "input", Err: fmt.Errorf("expected shape [%d %d %d], got %v",
			InputChannels, InputSize, InputSize, t.Shape())}
	}

	x := n.conv1.forward(t)
	relu(x.Data)
	x = maxPool2(x)

	x = n.conv2.forward(x)
	relu(x.Data)
	x = maxPool2(x)

	if len(x.Data) != FlatSize {
		return scores, &types.InferenceError{Op: "flatten", Err: fmt.Errorf("expected %d features, got %d", FlatSize, len(x.Data))}
	}

	hidden := n.fc1.forward(x.Data)
	relu(hidden)
	logits := n.fc2.forward(hidden)

	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return scores, &types.InferenceError{Op: "logits", Err: fmt.Errorf("non-finite score %v for %s", v, types.Label(i))}
		}
		scores[i] = v
	}

	return scores, nil
}

// Score satisfies the classifier's scoring interface
func (n *Network) Score(t *types.Tensor) (types.Scores, error) {
	return n.Forward(t)
}
