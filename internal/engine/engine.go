// Package engine defines the inference-engine surface consumed by the
// request pipeline: a small fixed interface over an opaque model context
// with generate, reset, and close operations.
//
// GPU backends (stable-diffusion over Vulkan and friends) are external
// collaborators that implement Engine and are selected by configuration.
// The in-tree "pattern" backend renders a deterministic test pattern and
// exists for integration tests and development on machines without a GPU.
package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Engine implementations. The pipeline maps
// these onto protocol error codes; anything unrecognized becomes an
// internal error.
var (
	ErrInvalidParam     = errors.New("engine: invalid parameter")
	ErrModelNotFound    = errors.New("engine: model not found")
	ErrModelCorrupt     = errors.New("engine: model corrupt")
	ErrOutOfMemory      = errors.New("engine: out of memory")
	ErrGPU              = errors.New("engine: gpu failure")
	ErrInitFailed       = errors.New("engine: initialization failed")
	ErrGenerationFailed = errors.New("engine: generation failed")
	ErrUnknownBackend   = errors.New("engine: unknown backend")
)

// Backend identifiers accepted by New.
const (
	BackendPattern = "pattern"
)

// Config selects and configures a backend. Encoder and VAE paths may be
// empty to let the backend auto-detect them next to the main model file.
type Config struct {
	Backend string `toml:"backend"`

	ModelPath string `toml:"model_path"`
	ClipLPath string `toml:"clip_l_path"`
	ClipGPath string `toml:"clip_g_path"`
	T5XXLPath string `toml:"t5xxl_path"`
	VAEPath   string `toml:"vae_path"`

	Threads        int  `toml:"threads"`
	KeepClipOnCPU  bool `toml:"keep_clip_on_cpu"`
	KeepVAEOnCPU   bool `toml:"keep_vae_on_cpu"`
	FlashAttention bool `toml:"flash_attention"`
}

// Params are the per-generation parameters. Prompt is required; a zero
// Seed means the engine picks one.
type Params struct {
	Prompt         string
	NegativePrompt string
	Width          uint32
	Height         uint32
	Steps          uint32
	CFGScale       float32
	Seed           int64
	ClipSkip       int
}

// Image is a generated image. Data is owned by the caller once returned.
type Image struct {
	Width    uint32
	Height   uint32
	Channels uint32
	Data     []byte
}

// Engine is an opaque model context. Implementations are not safe for
// concurrent use; the daemon commits to one in-flight generation at a time.
type Engine interface {
	// Generate runs one text-to-image generation to completion. It is
	// deliberately not interruptible: once dispatched it blocks until
	// the backend returns.
	Generate(params Params) (*Image, error)

	// Reset tears down and recreates the model context. Backends that
	// reload weights may take several seconds.
	Reset() error

	// ModelInfo returns a short human-readable model description.
	ModelInfo() string

	// Close releases the model context. The engine must not be used
	// afterwards.
	Close() error
}

// New constructs the backend selected by cfg. An empty backend name
// defaults to the pattern backend.
func New(cfg Config) (Engine, error) {
	switch cfg.Backend {
	case "", BackendPattern:
		return newPatternEngine(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
