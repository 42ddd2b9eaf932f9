package model

import (
	"errors"
	"fmt"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// ErrLogits is returned when the model output is not a single row of class scores.
var ErrLogits = errors.New("unexpected classifier output")

// Input tensor names understood by the classifier.
const (
	inputIDs      = "input_ids"
	attentionMask = "attention_mask"
	tokenTypeIDs  = "token_type_ids"
)

// InitRuntime loads the ONNX Runtime shared library and creates the global
// environment. An empty libraryPath keeps the platform default library name.
func InitRuntime(libraryPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

// DestroyRuntime releases the global ONNX Runtime environment.
func DestroyRuntime() {
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

// Classifier runs the sequence-classification graph.
type Classifier struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
	device      Device
}

// ClassifierOptions controls session creation.
type ClassifierOptions struct {
	// Device is "auto", "cpu" or "cuda".
	Device       string
	CUDADeviceID int
}

// LoadClassifier opens the ONNX graph at modelPath on the selected device.
// InitRuntime must have been called.
func LoadClassifier(modelPath string, opts ClassifierOptions) (*Classifier, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", modelPath, err)
	}
	inputNames := make([]string, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
	}
	if err := checkInputs(inputNames); err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: graph has no outputs", ErrLogits)
	}
	outputNames := []string{outputs[0].Name}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer sessOpts.Destroy()

	var cudaOpts *ort.CUDAProviderOptions
	defer func() {
		if cudaOpts != nil {
			cudaOpts.Destroy()
		}
	}()
	probe := func() error {
		o, err := newCUDAOptions(opts.CUDADeviceID)
		if err != nil {
			return err
		}
		if err := sessOpts.AppendExecutionProviderCUDA(o); err != nil {
			o.Destroy()
			return err
		}
		cudaOpts = o
		return nil
	}

	device, err := SelectDevice(opts.Device, probe)
	if err != nil {
		return nil, err
	}
	if device == CPU {
		if n := cpuThreads(); n > 0 {
			if err := sessOpts.SetIntraOpNumThreads(n); err != nil {
				return nil, fmt.Errorf("session options: %w", err)
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Classifier{
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
		device:      device,
	}, nil
}

func newCUDAOptions(deviceID int) (*ort.CUDAProviderOptions, error) {
	if deviceID < 0 {
		deviceID = 0
	}
	o, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}
	if err := o.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
		o.Destroy()
		return nil, err
	}
	return o, nil
}

// checkInputs rejects graphs that need inputs the tokenizer cannot supply.
func checkInputs(names []string) error {
	var hasIDs bool
	for _, name := range names {
		switch name {
		case inputIDs:
			hasIDs = true
		case attentionMask, tokenTypeIDs:
		default:
			return fmt.Errorf("unsupported model input %q", name)
		}
	}
	if !hasIDs {
		return fmt.Errorf("model has no %s input", inputIDs)
	}
	return nil
}

// inputData returns the tensor contents for the named graph input.
func inputData(name string, in EncodedInput) []int64 {
	switch name {
	case inputIDs:
		return in.InputIDs
	case attentionMask:
		return in.AttentionMask
	default:
		// token_type_ids: single segment.
		return make([]int64, in.Len())
	}
}

// Device reports where the session runs.
func (c *Classifier) Device() Device { return c.device }

// Forward runs one sequence through the graph and returns its class logits.
func (c *Classifier) Forward(in EncodedInput) ([]float32, error) {
	if in.Len() == 0 {
		return nil, errors.New("empty input")
	}
	shape := ort.NewShape(1, int64(in.Len()))

	inputs := make([]ort.Value, 0, len(c.inputNames))
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, name := range c.inputNames {
		t, err := ort.NewTensor(shape, inputData(name, in))
		if err != nil {
			return nil, fmt.Errorf("%s tensor: %w", name, err)
		}
		inputs = append(inputs, t)
	}

	outputs := []ort.Value{nil}
	if err := c.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a float32 tensor", ErrLogits, c.outputNames[0])
	}
	data := logits.GetData()
	scores := make([]float32, len(data))
	copy(scores, data)
	return scores, nil
}

// Close destroys the session.
func (c *Classifier) Close() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Destroy()
	c.session = nil
	return err
}
