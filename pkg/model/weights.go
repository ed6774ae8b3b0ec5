package model

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/menta2k/tumor-classifier/pkg/types"
)

const (
	weightFormat  = "tumor-classifier/weights"
	weightVersion = 1
)

// weightFile is the serialized parameter blob. Tensor names follow the
// PyTorch state_dict of the original module so exported weights map 1:1.
type weightFile struct {
	Format  string
	Version int
	Labels  []string
	Tensors []weightTensor
}

type weightTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

type parameter struct {
	name  string
	shape []int
	data  *[]float32
}

func (n *Network) parameters() []parameter {
	return []parameter{
		{"features.0.weight", []int{Conv1Channels, InputChannels, KernelSize, KernelSize}, &n.conv1.weight},
		{"features.0.bias", []int{Conv1Channels}, &n.conv1.bias},
		{"features.3.weight", []int{Conv2Channels, Conv1Channels, KernelSize, KernelSize}, &n.conv2.weight},
		{"features.3.bias", []int{Conv2Channels}, &n.conv2.bias},
		{"classifier.0.weight", []int{HiddenUnits, FlatSize}, &n.fc1.weight},
		{"classifier.0.bias", []int{HiddenUnits}, &n.fc1.bias},
		{"classifier.2.weight", []int{types.NumClasses, HiddenUnits}, &n.fc2.weight},
		{"classifier.2.bias", []int{types.NumClasses}, &n.fc2.bias},
	}
}

// Write serializes the weights to w
func (n *Network) Write(w io.Writer) error {
	if !n.Loaded() {
		return &types.ModelNotLoadedError{Reason: "nothing to write"}
	}

	file := weightFile{
		Format:  weightFormat,
		Version: weightVersion,
		Labels:  types.LabelNames(),
	}
	for _, p := range n.parameters() {
		file.Tensors = append(file.Tensors, weightTensor{Name: p.name, Shape: p.shape, Data: *p.data})
	}

	if err := gob.NewEncoder(w).Encode(&file); err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return nil
}

// Save writes the weights to path, creating parent directories
func (n *Network) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create weights directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}

	bw := bufio.NewWriter(f)
	if err := n.Write(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write weights file: %w", err)
	}
	return f.Close()
}

// Read decodes a weight blob. Every layer must be present with its exact
// shape, and the stored label order must match the compiled-in one.
func Read(r io.Reader) (*Network, error) {
	var file weightFile
	if err := gob.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}

	if file.Format != weightFormat {
		return nil, fmt.Errorf("unexpected weights format %q", file.Format)
	}
	if file.Version != weightVersion {
		return nil, fmt.Errorf("unsupported weights version %d", file.Version)
	}
	if len(file.Labels) > 0 && !slices.Equal(file.Labels, types.LabelNames()) {
		return nil, fmt.Errorf("label order mismatch: weights have %v, expected %v", file.Labels, types.LabelNames())
	}

	byName := make(map[string]weightTensor, len(file.Tensors))
	for _, t := range file.Tensors {
		byName[t.Name] = t
	}

	n := allocate()
	for _, p := range n.parameters() {
		t, ok := byName[p.name]
		if !ok {
			return nil, fmt.Errorf("missing tensor %s", p.name)
		}
		if !slices.Equal(t.Shape, p.shape) {
			return nil, fmt.Errorf("tensor %s: expected shape %v, got %v", p.name, p.shape, t.Shape)
		}
		if len(t.Data) != len(*p.data) {
			return nil, fmt.Errorf("tensor %s: expected %d values, got %d", p.name, len(*p.data), len(t.Data))
		}
		*p.data = t.Data
	}

	return n, nil
}

// Load reads the weight blob at path
func Load(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights: %w", err)
	}
	defer f.Close()

	n, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}
