package types

import (
	"fmt"
	"strings"
)

// Label is one of the fixed tumor classes. Its integer value is the index of
// the class in the classifier's output layer.
type Label int

const (
	GliomaTumor Label = iota
	MeningiomaTumor
	NoTumor
	PituitaryTumor
)

// NumClasses is the width of the classifier's output layer
const NumClasses = 4

var labelNames = [NumClasses]string{
	GliomaTumor:     "glioma_tumor",
	MeningiomaTumor: "meningioma_tumor",
	NoTumor:         "no_tumor",
	PituitaryTumor:  "pituitary_tumor",
}

// Labels returns every label in class-index order
func Labels() []Label {
	return []Label{GliomaTumor, MeningiomaTumor, NoTumor, PituitaryTumor}
}

// LabelNames returns the label names in class-index order
func LabelNames() []string {
	out := make([]string, NumClasses)
	copy(out, labelNames[:])
	return out
}

// String returns the wire name of the label
func (l Label) String() string {
	if !l.Valid() {
		return fmt.Sprintf("label(%d)", int(l))
	}
	return labelNames[l]
}

// Valid reports whether l is one of the known classes
func (l Label) Valid() bool {
	return l >= 0 && int(l) < NumClasses
}

// MarshalText encodes the label by name
func (l Label) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid label index %d", int(l))
	}
	return []byte(labelNames[l]), nil
}

// UnmarshalText decodes a label from its name
func (l *Label) UnmarshalText(text []byte) error {
	parsed, err := ParseLabel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLabel maps a label name back to its Label, case-insensitively
func ParseLabel(name string) (Label, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range labelNames {
		if n == name {
			return Label(i), nil
		}
	}
	return 0, fmt.Errorf("unknown label: %q", name)
}

// Scores holds one logit per class in class-index order
type Scores [NumClasses]float32

// ByLabel returns the scores keyed by label name
func (s Scores) ByLabel() map[string]float32 {
	out := make(map[string]float32, NumClasses)
	for i, v := range s {
		out[labelNames[i]] = v
	}
	return out
}

// String formats the scores as "name=value" pairs in class-index order
func (s Scores) String() string {
	parts := make([]string, NumClasses)
	for i, v := range s {
		parts[i] = fmt.Sprintf("%s=%.4f", labelNames[i], v)
	}
	return strings.Join(parts, " ")
}

// Tensor is a dense float32 array in channel, height, width order
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// NewTensor allocates a zeroed tensor of the given shape
func NewTensor(channels, height, width int) *Tensor {
	return &Tensor{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

// At returns the value at channel c, row y, column x
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.Height+y)*t.Width+x]
}

// Set stores v at channel c, row y, column x
func (t *Tensor) Set(c, y, x int, v float32) {
	t.Data[(c*t.Height+y)*t.Width+x] = v
}

// Shape returns the tensor dimensions
func (t *Tensor) Shape() [3]int {
	return [3]int{t.Channels, t.Height, t.Width}
}

// ChannelMean returns the mean value of channel c
func (t *Tensor) ChannelMean(c int) float64 {
	plane := t.Height * t.Width
	if plane == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.Data[c*plane : (c+1)*plane] {
		sum += float64(v)
	}
	return sum / float64(plane)
}

// Prediction is the outcome of a single classification
type Prediction struct {
	Label         Label   `json:"label"`
	Scores        Scores  `json:"scores"`
	Probabilities Scores  `json:"probabilities"`
	Confidence    float32 `json:"confidence"`
}

// Report is everything a rendered report may contain
type Report struct {
	Prediction      string
	RawOutput       string
	Scores          *Scores
	Probabilities   *Scores
	Analysis        string
	SourceImagePath string
}

// ReportFromPrediction builds a report for a classifier prediction
func ReportFromPrediction(p *Prediction, analysis, sourceImagePath string) Report {
	scores := p.Scores
	probs := p.Probabilities
	return Report{
		Prediction:      p.Label.String(),
		RawOutput:       scores.String(),
		Scores:          &scores,
		Probabilities:   &probs,
		Analysis:        analysis,
		SourceImagePath: sourceImagePath,
	}
}

// ClassifyResponse is the JSON payload returned by the classify endpoint
type ClassifyResponse struct {
	Prediction string             `json:"prediction"`
	Analysis   string             `json:"analysis"`
	Scores     map[string]float32 `json:"scores,omitempty"`
	Confidence float32            `json:"confidence,omitempty"`
}

// ErrorResponse is the JSON payload returned on failure
type ErrorResponse struct {
	Error string `json:"error"`
}
