// Package onnx scores tensors with an ONNX export of the classifier through
// onnxruntime.
package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/tumor-classifier/pkg/model"
	"github.com/menta2k/tumor-classifier/pkg/types"
)

// Metadata describes an exported model
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
}

// DefaultMetadata matches the network in pkg/model
func DefaultMetadata() Metadata {
	return Metadata{
		InputName:   "input",
		OutputName:  "output",
		InputShape:  []int64{1, model.InputChannels, model.InputSize, model.InputSize},
		OutputShape: []int64{1, types.NumClasses},
		Classes:     types.LabelNames(),
	}
}

// LoadMetadata reads a metadata file. An empty path yields the defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, meta.Validate()
}

// Validate checks that the metadata describes the classifier input and output
func (m Metadata) Validate() error {
	want := DefaultMetadata()
	if m.InputName == "" || m.OutputName == "" {
		return fmt.Errorf("input and output names are required")
	}
	if !slices.Equal(m.InputShape, want.InputShape) {
		return fmt.Errorf("input shape %v, expected %v", m.InputShape, want.InputShape)
	}
	if !slices.Equal(m.OutputShape, want.OutputShape) {
		return fmt.Errorf("output shape %v, expected %v", m.OutputShape, want.OutputShape)
	}
	if !slices.Equal(m.Classes, want.Classes) {
		return fmt.Errorf("class order %v, expected %v", m.Classes, want.Classes)
	}
	return nil
}

// Session runs an ONNX model. Input and output tensors are preallocated, so
// Score calls are serialized.
type Session struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	Metadata     Metadata
}

// NewSession loads modelPath. libraryPath points at the onnxruntime shared
// library; empty uses the loader default.
func NewSession(modelPath, libraryPath, metadataPath string) (*Session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, &types.ModelNotLoadedError{Reason: fmt.Sprintf("onnx model: %v", err)}
	}

	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	if !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Session{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		Metadata:     metadata,
	}, nil
}

// Loaded reports whether the session is usable
func (s *Session) Loaded() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Score runs the model on one preprocessed tensor
func (s *Session) Score(t *types.Tensor) (types.Scores, error) {
	var scores types.Scores

	if s == nil {
		return scores, &types.ModelNotLoadedError{Reason: "onnx session is nil"}
	}
	if t == nil || t.Shape() != [3]int{model.InputChannels, model.InputSize, model.InputSize} {
		return scores, &types.InferenceError{Op: "input", Err: fmt.Errorf("unexpected tensor shape")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return scores, &types.ModelNotLoadedError{Reason: "onnx session closed"}
	}

	copy(s.inputTensor.GetData(), t.Data)
	if err := s.session.Run(); err != nil {
		return scores, &types.InferenceError{Op: "onnx run", Err: err}
	}

	out := s.outputTensor.GetData()
	if len(out) != types.NumClasses {
		return scores, &types.InferenceError{Op: "onnx output", Err: fmt.Errorf("got %d values", len(out))}
	}
	copy(scores[:], out)
	return scores, nil
}

// Close releases the session and its tensors
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
}

// Shutdown tears down the process-wide onnxruntime environment
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
