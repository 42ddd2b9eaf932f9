package model

import (
	"fmt"
	"log/slog"

	"github.com/gomlx/go-huggingface/hub"
)

// Options configures Load.
type Options struct {
	// LibraryPath is the ONNX Runtime shared library; empty for the default name.
	LibraryPath string
	// Device is "auto", "cpu" or "cuda".
	Device       string
	CUDADeviceID int
	// CacheDir overrides the Hugging Face hub cache directory.
	CacheDir string
	// ONNXFile is the graph path inside the model repository.
	ONNXFile string
	// AuthToken is an optional Hugging Face access token.
	AuthToken string
	Logger    *slog.Logger
}

// Provider holds the loaded tokenizer and classifier. It is built once at
// startup and never mutated afterwards.
type Provider struct {
	tokenizer  *Tokenizer
	classifier *Classifier
}

// Load fetches the artifacts of modelID and prepares them for inference.
// Files already in the hub cache are not downloaded again.
func Load(modelID string, opts Options) (*Provider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	repo := openRepo(modelID, opts)
	tok, err := LoadTokenizer(repo)
	if err != nil {
		return nil, err
	}

	modelPath, err := repo.DownloadFile(opts.ONNXFile)
	if err != nil {
		tok.Close()
		return nil, fmt.Errorf("download %s: %w", opts.ONNXFile, err)
	}
	logger.Debug("model file ready", "path", modelPath)

	if err := InitRuntime(opts.LibraryPath); err != nil {
		tok.Close()
		return nil, err
	}

	cls, err := LoadClassifier(modelPath, ClassifierOptions{
		Device:       opts.Device,
		CUDADeviceID: opts.CUDADeviceID,
	})
	if err != nil {
		tok.Close()
		DestroyRuntime()
		return nil, err
	}

	if cls.Device() == CPU {
		logger.Info("using cpu", "cpu", DescribeCPU())
	}

	return &Provider{tokenizer: tok, classifier: cls}, nil
}

// openRepo returns the hub repository of modelID. Download progress is
// disabled because the library prints it to stdout.
func openRepo(modelID string, opts Options) *hub.Repo {
	repo := hub.New(modelID)
	repo.Verbosity = 0
	if opts.AuthToken != "" {
		repo = repo.WithAuth(opts.AuthToken)
	}
	if opts.CacheDir != "" {
		repo = repo.WithCacheDir(opts.CacheDir)
	}
	return repo
}

// Device reports the execution device chosen at load time.
func (p *Provider) Device() Device { return p.classifier.Device() }

// Encode tokenizes text, truncated to maxLength tokens.
func (p *Provider) Encode(text string, maxLength int) (EncodedInput, error) {
	return p.tokenizer.Encode(text, maxLength)
}

// Forward returns the class logits for in.
func (p *Provider) Forward(in EncodedInput) ([]float32, error) {
	return p.classifier.Forward(in)
}

// Close releases the session, the tokenizer and the runtime environment.
func (p *Provider) Close() {
	if p.classifier != nil {
		p.classifier.Close()
	}
	if p.tokenizer != nil {
		p.tokenizer.Close()
	}
	DestroyRuntime()
}
