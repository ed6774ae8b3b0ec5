package model

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/menta2k/tumor-classifier/pkg/types"
)

var (
	sharedOnce sync.Once
	sharedNet  *Network
)

// testNetwork returns a randomly initialized network built once per package
func testNetwork() *Network {
	sharedOnce.Do(func() {
		sharedNet = NewRandom(42)
	})
	return sharedNet
}

// createTestTensor fills a 3x224x224 tensor with a smooth pattern
func createTestTensor(phase float64) *types.Tensor {
	t := types.NewTensor(InputChannels, InputSize, InputSize)
	for c := 0; c < InputChannels; c++ {
		for y := 0; y < InputSize; y++ {
			for x := 0; x < InputSize; x++ {
				v := math.Sin(float64(x)/17+phase) * math.Cos(float64(y)/23+float64(c))
				t.Set(c, y, x, float32(v*2))
			}
		}
	}
	return t
}

func TestForwardUnloaded(t *testing.T) {
	_, err := New().Forward(createTestTensor(0))

	var notLoaded *types.ModelNotLoadedError
	if !errors.As(err, &notLoaded) {
		t.Errorf("Expected ModelNotLoadedError, got %v", err)
	}
}

func TestForwardNilNetwork(t *testing.T) {
	var n *Network
	if n.Loaded() {
		t.Error("nil network should not report loaded")
	}
	if _, err := n.Forward(createTestTensor(0)); err == nil {
		t.Error("Expected error from nil network")
	}
}

func TestForwardScores(t *testing.T) {
	net := testNetwork()

	scores, err := net.Forward(createTestTensor(0))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if len(scores) != types.NumClasses {
		t.Errorf("Expected %d scores, got %d", types.NumClasses, len(scores))
	}
	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Errorf("Score %d is not finite: %v", i, v)
		}
	}
}

func TestForwardDeterministic(t *testing.T) {
	net := testNetwork()
	input := createTestTensor(1.3)

	first, err := net.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := net.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if again != first {
			t.Fatalf("Forward is not deterministic: %v vs %v", first, again)
		}
	}
}

func TestForwardConcurrent(t *testing.T) {
	net := testNetwork()
	input := createTestTensor(0.7)

	expected, err := net.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]types.Scores, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = net.Forward(input)
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r != expected {
			t.Errorf("Concurrent result %d differs: %v vs %v", i, r, expected)
		}
	}
}

func TestForwardDoesNotModifyInput(t *testing.T) {
	net := testNetwork()
	input := createTestTensor(2)
	before := append([]float32(nil), input.Data...)

	if _, err := net.Forward(input); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for i := range before {
		if before[i] != input.Data[i] {
			t.Fatalf("Input modified at %d", i)
		}
	}
}

func TestForwardWrongShape(t *testing.T) {
	net := testNetwork()

	_, err := net.Forward(types.NewTensor(3, 100, 100))
	var inference *types.InferenceError
	if !errors.As(err, &inference) {
		t.Errorf("Expected InferenceError, got %v", err)
	}

	if _, err := net.Forward(nil); !errors.As(err, &inference) {
		t.Errorf("Expected InferenceError for nil tensor, got %v", err)
	}
}

func TestForwardNaN(t *testing.T) {
	net := testNetwork()
	input := types.NewTensor(InputChannels, InputSize, InputSize)
	nan := float32(math.NaN())
	for i := range input.Data {
		input.Data[i] = nan
	}

	_, err := net.Forward(input)
	var inference *types.InferenceError
	if !errors.As(err, &inference) {
		t.Fatalf("Expected InferenceError, got %v", err)
	}
	if inference.Op != "logits" {
		t.Errorf("Expected failure at logits, got %s", inference.Op)
	}
}

func TestNewRandomSeeds(t *testing.T) {
	a := NewRandom(7)
	b := NewRandom(7)
	c := NewRandom(8)

	if a.conv1.weight[0] != b.conv1.weight[0] || a.fc1.weight[1000] != b.fc1.weight[1000] {
		t.Error("Same seed should give the same weights")
	}
	if a.conv1.weight[0] == c.conv1.weight[0] && a.conv1.weight[1] == c.conv1.weight[1] {
		t.Error("Different seeds should give different weights")
	}

	bound := float32(1 / math.Sqrt(float64(FlatSize)))
	for _, v := range a.fc1.weight[:1000] {
		if v < -bound || v > bound {
			t.Fatalf("fc1 weight %f outside +-%f", v, bound)
		}
	}
}

func TestParamCount(t *testing.T) {
	expected := (16*3*9 + 16) + (32*16*9 + 32) + (FlatSize*128 + 128) + (128*4 + 4)
	if got := testNetwork().ParamCount(); got != expected {
		t.Errorf("Expected %d parameters, got %d", expected, got)
	}
	if New().ParamCount() != 0 {
		t.Error("Unloaded network should have no parameters")
	}
	if !strings.Contains(testNetwork().Summary(), "fc(100352->128)") {
		t.Errorf("Unexpected summary: %s", testNetwork().Summary())
	}
}

func TestConvKnownValues(t *testing.T) {
	c := newConv2d(1, 1, 3, 1)
	for i := range c.weight {
		c.weight[i] = 1
	}
	c.bias[0] = 0.5

	in := types.NewTensor(1, 3, 3)
	for i := range in.Data {
		in.Data[i] = 1
	}

	out := c.forward(in)
	expected := []float32{4, 6, 4, 6, 9, 6, 4, 6, 4}
	for i, v := range expected {
		if out.Data[i] != v+0.5 {
			t.Errorf("Output %d: expected %f, got %f", i, v+0.5, out.Data[i])
		}
	}
}

func TestConvMultiChannel(t *testing.T) {
	c := newConv2d(2, 2, 3, 1)
	// output 0 reads only the center tap of input 0, output 1 the center of input 1
	c.weight[0*18+0*9+4] = 1
	c.weight[1*18+1*9+4] = 2

	in := types.NewTensor(2, 4, 4)
	for i := 0; i < 16; i++ {
		in.Data[i] = float32(i)
		in.Data[16+i] = float32(100 + i)
	}

	out := c.forward(in)
	for i := 0; i < 16; i++ {
		if out.Data[i] != float32(i) {
			t.Errorf("Channel 0 at %d: expected %d, got %f", i, i, out.Data[i])
		}
		if out.Data[16+i] != float32(2*(100+i)) {
			t.Errorf("Channel 1 at %d: expected %d, got %f", i, 2*(100+i), out.Data[16+i])
		}
	}
}

func TestMaxPool(t *testing.T) {
	in := types.NewTensor(1, 4, 4)
	for i := range in.Data {
		in.Data[i] = float32(i)
	}

	out := maxPool2(in)
	if out.Shape() != [3]int{1, 2, 2} {
		t.Fatalf("Unexpected shape %v", out.Shape())
	}
	expected := []float32{5, 7, 13, 15}
	for i, v := range expected {
		if out.Data[i] != v {
			t.Errorf("Output %d: expected %f, got %f", i, v, out.Data[i])
		}
	}
}

func TestLinearAndRelu(t *testing.T) {
	l := newLinear(3, 2)
	copy(l.weight, []float32{1, 2, 3, -1, -1, -1})
	copy(l.bias, []float32{0.5, 1})

	y := l.forward([]float32{1, 1, 1})
	if y[0] != 6.5 || y[1] != -2 {
		t.Errorf("Unexpected output %v", y)
	}

	relu(y)
	if y[0] != 6.5 || y[1] != 0 {
		t.Errorf("Unexpected relu output %v", y)
	}
}

func TestSaveLoad(t *testing.T) {
	net := testNetwork()
	path := filepath.Join(t.TempDir(), "models", "weights.gob")

	if err := net.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	input := createTestTensor(0.2)
	want, _ := net.Forward(input)
	got, err := loaded.Forward(input)
	if err != nil {
		t.Fatalf("Forward on loaded network failed: %v", err)
	}
	if got != want {
		t.Errorf("Loaded network differs: %v vs %v", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.gob")); err == nil {
		t.Error("Expected error for missing weights file")
	}
}

func TestWriteUnloaded(t *testing.T) {
	var buf bytes.Buffer
	if err := New().Write(&buf); err == nil {
		t.Error("Expected error writing unloaded network")
	}
}

func TestReadRejectsBadBlobs(t *testing.T) {
	encode := func(f weightFile) *bytes.Buffer {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&f); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		return &buf
	}

	cases := []struct {
		name string
		file weightFile
		want string
	}{
		{"format", weightFile{Format: "other", Version: weightVersion}, "format"},
		{"version", weightFile{Format: weightFormat, Version: 99}, "version"},
		{"labels", weightFile{Format: weightFormat, Version: weightVersion, Labels: []string{"no_tumor", "glioma_tumor", "meningioma_tumor", "pituitary_tumor"}}, "label order"},
		{"missing", weightFile{Format: weightFormat, Version: weightVersion}, "missing tensor features.0.weight"},
		{"shape", weightFile{Format: weightFormat, Version: weightVersion, Tensors: []weightTensor{
			{Name: "features.0.weight", Shape: []int{16, 3, 5, 5}, Data: make([]float32, 16*3*25)},
		}}, "expected shape"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(encode(tc.file))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestReadGarbage(t *testing.T) {
	if _, err := Read(strings.NewReader("not a gob stream")); err == nil {
		t.Error("Expected error decoding garbage")
	}
}

func BenchmarkForward(b *testing.B) {
	net := testNetwork()
	input := createTestTensor(0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		net.Forward(input)
	}
}
