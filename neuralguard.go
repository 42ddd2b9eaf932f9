// Package neuralguard defines the wire types for the neuralguard inference service.
// Messages are JSON-encoded and exchanged over the service's stdin and stdout, one per line.
package neuralguard

// ModelID is the Hugging Face repository of the prompt-injection classifier.
const ModelID = "ProtectAI/deberta-v3-base-prompt-injection-v2"

// MaxTokens is the truncation length applied to every request.
const MaxTokens = 512

// Labels reported in Result.Label.
const (
	LabelInjection = "INJECTION"
	LabelSafe      = "SAFE"
	// LabelDisabled is only produced by a client whose detector is turned off.
	LabelDisabled = "DISABLED"
)

// StatusReady is the value of Status.Status once the model is loaded.
const StatusReady = "ready"

// ErrNoText is the error message returned for requests without text.
const ErrNoText = "No text provided"

// Request is one line read from the service's stdin.
type Request struct {
	// Text is the input to classify. An empty or missing value is rejected.
	Text string `json:"text"`
}

// Result is the verdict for a single request.
type Result struct {
	// IsInjection is true when the injection probability exceeds 0.5.
	IsInjection bool `json:"isInjection"`
	// Confidence is the probability of the returned label (0.0 to 1.0).
	Confidence float64 `json:"confidence"`
	// Label is LabelInjection or LabelSafe, mirroring IsInjection.
	Label string `json:"label"`
	// InferenceTimeMs is the wall-clock time spent tokenizing and classifying.
	InferenceTimeMs float64 `json:"inferenceTimeMs"`
}

// ErrorResponse is written instead of a Result when a request cannot be served.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Status is the readiness signal written once before any response.
type Status struct {
	Status string `json:"status"`
}

// Reply is the union of every line the service may write after startup.
// Clients decode into it and inspect which fields are set.
type Reply struct {
	Status          string   `json:"status,omitempty"`
	Error           string   `json:"error,omitempty"`
	IsInjection     *bool    `json:"isInjection,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	Label           string   `json:"label,omitempty"`
	InferenceTimeMs *float64 `json:"inferenceTimeMs,omitempty"`
}

// Result converts a successful reply into a Result.
// It returns false when the reply carries no verdict.
func (r *Reply) Result() (*Result, bool) {
	if r.IsInjection == nil || r.Label == "" {
		return nil, false
	}
	res := &Result{IsInjection: *r.IsInjection, Label: r.Label}
	if r.Confidence != nil {
		res.Confidence = *r.Confidence
	}
	if r.InferenceTimeMs != nil {
		res.InferenceTimeMs = *r.InferenceTimeMs
	}
	return res, true
}
