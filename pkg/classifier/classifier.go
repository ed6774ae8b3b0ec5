// Package classifier runs preprocessing and inference for a single image and
// maps the resulting scores to a tumor label.
package classifier

import (
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/menta2k/tumor-classifier/pkg/preprocess"
	"github.com/menta2k/tumor-classifier/pkg/types"
)

// Scorer maps a normalized tensor to one logit per class
type Scorer interface {
	Score(t *types.Tensor) (types.Scores, error)
}

// loadedChecker is implemented by scorers that can be constructed empty
type loadedChecker interface {
	Loaded() bool
}

// Service classifies images. It holds no per-request state.
type Service struct {
	scorer       Scorer
	preprocessor *preprocess.Preprocessor
}

// New creates a classification service. A nil preprocessor uses the defaults.
func New(scorer Scorer, preprocessor *preprocess.Preprocessor) *Service {
	if preprocessor == nil {
		preprocessor = preprocess.New()
	}
	return &Service{
		scorer:       scorer,
		preprocessor: preprocessor,
	}
}

// Preprocessor returns the preprocessor the service decodes with
func (s *Service) Preprocessor() *preprocess.Preprocessor {
	return s.preprocessor
}

// Ready reports whether the service has a usable scorer
func (s *Service) Ready() bool {
	if s.scorer == nil {
		return false
	}
	if lc, ok := s.scorer.(loadedChecker); ok {
		return lc.Loaded()
	}
	return true
}

// Classify decodes r and classifies the image
func (s *Service) Classify(r io.Reader) (*types.Prediction, error) {
	if !s.Ready() {
		return nil, &types.ModelNotLoadedError{Reason: "classifier weights were never initialized"}
	}

	tensor, err := s.preprocessor.Process(r)
	if err != nil {
		return nil, err
	}
	return s.classifyTensor(tensor)
}

// ClassifyImage classifies an already decoded image
func (s *Service) ClassifyImage(img image.Image) (*types.Prediction, error) {
	if !s.Ready() {
		return nil, &types.ModelNotLoadedError{Reason: "classifier weights were never initialized"}
	}

	tensor, err := s.preprocessor.Tensor(img)
	if err != nil {
		return nil, err
	}
	return s.classifyTensor(tensor)
}

func (s *Service) classifyTensor(tensor *types.Tensor) (*types.Prediction, error) {
	scores, err := s.scorer.Score(tensor)
	if err != nil {
		var notLoaded *types.ModelNotLoadedError
		var inference *types.InferenceError
		if errors.As(err, &notLoaded) || errors.As(err, &inference) {
			return nil, err
		}
		return nil, &types.InferenceError{Op: "score", Err: err}
	}

	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, &types.InferenceError{Op: "score", Err: fmt.Errorf("non-finite score %v for %s", v, types.Label(i))}
		}
	}

	label := types.Label(ArgMax(scores))
	probs := Softmax(scores)

	return &types.Prediction{
		Label:         label,
		Scores:        scores,
		Probabilities: probs,
		Confidence:    probs[label],
	}, nil
}

// ArgMax returns the index of the highest score. Ties go to the lowest index.
func ArgMax(scores types.Scores) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// Softmax converts logits to probabilities
func Softmax(scores types.Scores) types.Scores {
	var out types.Scores

	maxVal := float64(scores[ArgMax(scores)])
	var sum float64
	exps := make([]float64, len(scores))
	for i, v := range scores {
		exps[i] = math.Exp(float64(v) - maxVal)
		sum += exps[i]
	}
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}

	return out
}
