package engine

import (
	"fmt"

	"github.com/hurricanerix/weave-compute/internal/protocol"
)

// patternBlockSize is the checkerboard block edge in pixels.
const patternBlockSize = 8

// patternEngine renders a checkerboard of 8x8-pixel blocks instead of
// running a model.
// It validates parameters the same way a real backend would so tests
// exercise the full error surface.
type patternEngine struct {
	cfg    Config
	closed bool
	resets int
}

func newPatternEngine(cfg Config) *patternEngine {
	return &patternEngine{cfg: cfg}
}

func (e *patternEngine) Generate(params Params) (*Image, error) {
	if e.closed {
		return nil, fmt.Errorf("%w: engine closed", ErrGenerationFailed)
	}
	if params.Prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidParam)
	}
	if params.Width < protocol.MinDimension || params.Width > protocol.MaxDimension ||
		params.Width%protocol.DimensionAlignment != 0 {
		return nil, fmt.Errorf("%w: width %d", ErrInvalidParam, params.Width)
	}
	if params.Height < protocol.MinDimension || params.Height > protocol.MaxDimension ||
		params.Height%protocol.DimensionAlignment != 0 {
		return nil, fmt.Errorf("%w: height %d", ErrInvalidParam, params.Height)
	}
	if params.Steps < protocol.MinSteps || params.Steps > protocol.MaxSteps {
		return nil, fmt.Errorf("%w: steps %d", ErrInvalidParam, params.Steps)
	}

	const channels = 3
	data := make([]byte, int(params.Width)*int(params.Height)*channels)

	for y := uint32(0); y < params.Height; y++ {
		for x := uint32(0); x < params.Width; x++ {
			var value byte
			if (x/patternBlockSize+y/patternBlockSize)%2 == 1 {
				value = 0xFF
			}
			off := (int(y)*int(params.Width) + int(x)) * channels
			data[off] = value
			data[off+1] = value
			data[off+2] = value
		}
	}

	return &Image{
		Width:    params.Width,
		Height:   params.Height,
		Channels: channels,
		Data:     data,
	}, nil
}

func (e *patternEngine) Reset() error {
	if e.closed {
		return fmt.Errorf("%w: engine closed", ErrInitFailed)
	}
	e.resets++
	return nil
}

func (e *patternEngine) ModelInfo() string {
	return "pattern (checkerboard test backend)"
}

func (e *patternEngine) Close() error {
	e.closed = true
	return nil
}
