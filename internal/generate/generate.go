// Package generate bridges decoded protocol requests and the inference
// engine: parameter conversion, generation orchestration, image sanity
// checks, and error mapping.
//
// Ownership model: the request is borrowed from the caller (its prompt
// region points into the receive buffer), and the image buffer returned by
// the engine is transferred into the response.
package generate

import (
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hurricanerix/weave-compute/internal/engine"
	"github.com/hurricanerix/weave-compute/internal/protocol"
)

// Pipeline runs generations on a single engine handle. It is not safe for
// concurrent use; the daemon processes one request at a time.
type Pipeline struct {
	eng engine.Engine

	// generationDone gates the reset workaround below. It lives on the
	// Pipeline, next to the handle it describes, so that using more than
	// one handle per process cannot desynchronize it.
	generationDone bool
}

// New returns a pipeline bound to eng.
func New(eng engine.Engine) *Pipeline {
	return &Pipeline{eng: eng}
}

// extractPrompt copies the CLIP-L sub-slice of the prompt region into an
// owned string. SD 3.5 accepts a prompt per encoder, but this surface
// feeds the same prompt to all three, so only the CLIP-L slice is used.
func extractPrompt(req *protocol.GenerateRequest) (string, protocol.ErrorCode) {
	if req.PromptData == nil {
		return "", protocol.ErrInvalidPrompt
	}
	if req.ClipLLength == 0 || req.ClipLLength > protocol.MaxPromptLength {
		return "", protocol.ErrInvalidPrompt
	}
	region := uint32(len(req.PromptData))
	if req.ClipLOffset > region || req.ClipLLength > region-req.ClipLOffset {
		return "", protocol.ErrInvalidPrompt
	}
	return string(req.PromptData[req.ClipLOffset : req.ClipLOffset+req.ClipLLength]), protocol.ErrNone
}

// mapEngineError translates an engine failure into a protocol error code.
func mapEngineError(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, engine.ErrInvalidParam):
		return protocol.ErrInvalidPrompt
	case errors.Is(err, engine.ErrOutOfMemory):
		return protocol.ErrOutOfMemory
	case errors.Is(err, engine.ErrGPU):
		return protocol.ErrGPUError
	default:
		return protocol.ErrInternal
	}
}

// Process runs one generation and builds the response. Protocol-level
// validation has already happened in the decoder; the checks here guard
// the engine contract. The engine's textual diagnostics go to the operator
// log only, never to the peer.
func (p *Pipeline) Process(req *protocol.GenerateRequest) (*protocol.GenerateResponse, protocol.ErrorCode) {
	if req == nil {
		return nil, protocol.ErrInternal
	}

	prompt, code := extractPrompt(req)
	if code != protocol.ErrNone {
		return nil, code
	}

	params := engine.Params{
		Prompt:   prompt,
		Width:    req.Width,
		Height:   req.Height,
		Steps:    req.Steps,
		CFGScale: req.CFGScale,
		Seed:     int64(req.Seed),
	}

	// WORKAROUND: the stable-diffusion backend does not release its
	// compute scratch buffers between generate calls on one handle, so
	// the handle must be reset (weights reloaded, a few seconds) before
	// every generation except the very first; the freshly created handle
	// is known-good. Remove this block, generationDone, and Reset usage
	// here once the upstream leak is fixed.
	if p.generationDone {
		if err := p.eng.Reset(); err != nil {
			logrus.WithError(err).Error("engine reset failed")
			return nil, protocol.ErrInternal
		}
	}

	start := time.Now()
	img, err := p.eng.Generate(params)
	elapsed := time.Since(start)

	if err != nil {
		logrus.WithError(err).Error("generation failed")
		return nil, mapEngineError(err)
	}
	if img == nil || img.Data == nil {
		return nil, protocol.ErrInternal
	}

	// Engine contract checks: any violation is an internal error, and
	// the image buffer is dropped.
	if img.Width != req.Width || img.Height != req.Height {
		return nil, protocol.ErrInternal
	}
	if img.Width < protocol.MinDimension || img.Width > protocol.MaxDimension ||
		img.Width%protocol.DimensionAlignment != 0 {
		return nil, protocol.ErrInternal
	}
	if img.Height < protocol.MinDimension || img.Height > protocol.MaxDimension ||
		img.Height%protocol.DimensionAlignment != 0 {
		return nil, protocol.ErrInternal
	}
	if img.Channels != 3 && img.Channels != 4 {
		return nil, protocol.ErrInternal
	}
	if uint64(len(img.Data)) > math.MaxUint32 {
		return nil, protocol.ErrInternal
	}

	ms := elapsed.Milliseconds()
	if ms > math.MaxUint32 {
		ms = math.MaxUint32
	}
	if ms < 0 {
		ms = 0
	}

	p.generationDone = true

	return &protocol.GenerateResponse{
		RequestID:        req.RequestID,
		Status:           protocol.StatusOK,
		GenerationTimeMS: uint32(ms),
		ImageWidth:       img.Width,
		ImageHeight:      img.Height,
		Channels:         img.Channels,
		ImageDataLen:     uint32(len(img.Data)),
		ImageData:        img.Data,
	}, protocol.ErrNone
}
