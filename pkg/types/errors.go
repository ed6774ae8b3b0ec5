package types

import "fmt"

// InvalidImageError reports an upload that cannot be decoded as an image
type InvalidImageError struct {
	Reason string
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid image: %s: %v", e.Reason, e.Err)
	}
	return "invalid image: " + e.Reason
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

// ModelNotLoadedError reports inference against weights that were never initialized
type ModelNotLoadedError struct {
	Reason string
}

func (e *ModelNotLoadedError) Error() string {
	if e.Reason == "" {
		return "model not loaded"
	}
	return "model not loaded: " + e.Reason
}

// InferenceError reports a failure during the forward pass
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// ExternalServiceError reports an unreachable or failing explanation service
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ReportGenerationError reports a failure while rendering a report
type ReportGenerationError struct {
	Format string
	Err    error
}

func (e *ReportGenerationError) Error() string {
	return fmt.Sprintf("%s report generation failed: %v", e.Format, e.Err)
}

func (e *ReportGenerationError) Unwrap() error { return e.Err }
