// Package detect turns classifier scores into prompt-injection verdicts.
package detect

import (
	"errors"
	"fmt"
	"math"
	"time"

	neuralguard "github.com/Paranoid-AF/neuralguard"
	"github.com/Paranoid-AF/neuralguard/model"
)

// Threshold is the injection probability above which text is flagged.
// The comparison is strict: exactly 0.5 is SAFE.
const Threshold = 0.5

// classInjection is the index of the INJECTION class in the classifier output.
const classInjection = 1

// ErrNoText is returned for empty input; the model is not invoked.
var ErrNoText = errors.New(neuralguard.ErrNoText)

// Provider is the tokenizer and classifier pair the engine runs.
type Provider interface {
	Encode(text string, maxLength int) (model.EncodedInput, error)
	Forward(in model.EncodedInput) ([]float32, error)
}

// Engine classifies text with a loaded Provider.
type Engine struct {
	provider  Provider
	maxTokens int
	now       func() time.Time
}

// NewEngine creates an engine over p with the default truncation length.
func NewEngine(p Provider) *Engine {
	return &Engine{provider: p, maxTokens: neuralguard.MaxTokens, now: time.Now}
}

// Detect tokenizes and classifies text. The returned InferenceTimeMs covers
// tokenization, the forward pass and the softmax.
func (e *Engine) Detect(text string) (*neuralguard.Result, error) {
	if text == "" {
		return nil, ErrNoText
	}

	start := e.now()

	in, err := e.provider.Encode(text, e.maxTokens)
	if err != nil {
		return nil, err
	}
	logits, err := e.provider.Forward(in)
	if err != nil {
		return nil, err
	}
	if len(logits) != 2 {
		return nil, fmt.Errorf("%w: expected 2 logits, got %d", model.ErrLogits, len(logits))
	}
	probs := model.Softmax(logits)
	p := probs[classInjection]
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return nil, fmt.Errorf("%w: non-finite logits %v", model.ErrLogits, logits)
	}

	elapsed := e.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	res := Decide(p)
	res.InferenceTimeMs = float64(elapsed) / float64(time.Millisecond)
	return res, nil
}

// Decide maps the injection probability to a verdict. Confidence is the
// probability of the returned label.
func Decide(pInjection float64) *neuralguard.Result {
	if pInjection > Threshold {
		return &neuralguard.Result{
			IsInjection: true,
			Confidence:  pInjection,
			Label:       neuralguard.LabelInjection,
		}
	}
	return &neuralguard.Result{
		IsInjection: false,
		Confidence:  1 - pInjection,
		Label:       neuralguard.LabelSafe,
	}
}
