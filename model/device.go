// Package model loads the prompt-injection classifier and runs it.
// Tokenization uses the Hugging Face tokenizer published with the model; the
// forward pass runs through ONNX Runtime on CUDA when available, else on the CPU.
package model

import (
	"errors"
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

// Device is the execution device chosen once at startup.
type Device int

const (
	// CPU runs the session on the default ONNX Runtime CPU provider.
	CPU Device = iota
	// CUDA runs the session on the CUDA execution provider.
	CUDA
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ErrUnsupportedDevice is returned when CUDA is requested explicitly but cannot be used.
var ErrUnsupportedDevice = errors.New("requested device is not available")

// SelectDevice resolves the requested device name ("auto", "cpu" or "cuda")
// against the outcome of probe, which reports whether CUDA can be attached.
// Auto never fails: a failing probe falls back to CPU.
func SelectDevice(requested string, probe func() error) (Device, error) {
	switch requested {
	case "cpu":
		return CPU, nil
	case "cuda":
		if err := probe(); err != nil {
			return CPU, fmt.Errorf("%w: cuda: %v", ErrUnsupportedDevice, err)
		}
		return CUDA, nil
	default:
		if err := probe(); err != nil {
			return CPU, nil
		}
		return CUDA, nil
	}
}

// DescribeCPU summarizes the host processor for startup diagnostics.
func DescribeCPU() string {
	return fmt.Sprintf("%s (%d cores, avx2=%t, avx512=%t)",
		cpuid.CPU.BrandName,
		cpuid.CPU.PhysicalCores,
		cpuid.CPU.Supports(cpuid.AVX2),
		cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	)
}

// cpuThreads returns the intra-op thread count for CPU sessions, 0 for the runtime default.
func cpuThreads() int {
	if cpuid.CPU.PhysicalCores > 0 {
		return cpuid.CPU.PhysicalCores
	}
	return 0
}
