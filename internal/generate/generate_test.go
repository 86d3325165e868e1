package generate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/weave-compute/internal/engine"
	"github.com/hurricanerix/weave-compute/internal/protocol"
)

// mockEngine scripts generate and reset behaviour per test.
type mockEngine struct {
	generateFn func(engine.Params) (*engine.Image, error)
	resetErr   error

	resets     int
	lastParams engine.Params
}

func (m *mockEngine) Generate(params engine.Params) (*engine.Image, error) {
	m.lastParams = params
	if m.generateFn != nil {
		return m.generateFn(params)
	}
	return checkerImage(params.Width, params.Height, 3), nil
}

func (m *mockEngine) Reset() error {
	m.resets++
	return m.resetErr
}

func (m *mockEngine) ModelInfo() string { return "mock" }
func (m *mockEngine) Close() error      { return nil }

func checkerImage(w, h, c uint32) *engine.Image {
	return &engine.Image{
		Width:    w,
		Height:   h,
		Channels: c,
		Data:     make([]byte, int(w)*int(h)*int(c)),
	}
}

func makeRequest(prompt string) *protocol.GenerateRequest {
	data := []byte(prompt)
	n := uint32(len(data))
	return &protocol.GenerateRequest{
		RequestID:   12345,
		Width:       512,
		Height:      512,
		Steps:       4,
		CFGScale:    4.5,
		Seed:        42,
		ClipLLength: n,
		ClipGLength: n,
		T5Length:    n,
		PromptData:  data,
	}
}

func TestProcessSuccess(t *testing.T) {
	m := &mockEngine{}
	p := New(m)

	resp, code := p.Process(makeRequest("a cat in space"))
	require.Equal(t, protocol.ErrNone, code)

	assert.Equal(t, uint64(12345), resp.RequestID)
	assert.Equal(t, protocol.StatusOK, resp.Status)
	assert.Equal(t, uint32(512), resp.ImageWidth)
	assert.Equal(t, uint32(512), resp.ImageHeight)
	assert.Equal(t, uint32(3), resp.Channels)
	assert.Equal(t, uint32(512*512*3), resp.ImageDataLen)
	assert.Len(t, resp.ImageData, 512*512*3)

	assert.Equal(t, "a cat in space", m.lastParams.Prompt)
	assert.Equal(t, uint32(4), m.lastParams.Steps)
	assert.Equal(t, int64(42), m.lastParams.Seed)
}

func TestProcessUsesClipLSlice(t *testing.T) {
	// Region carries three different strings; only the CLIP-L slice
	// becomes the engine prompt.
	region := []byte("firstsecondthird")
	req := makeRequest("")
	req.PromptData = region
	req.ClipLOffset, req.ClipLLength = 0, 5
	req.ClipGOffset, req.ClipGLength = 5, 6
	req.T5Offset, req.T5Length = 11, 5

	m := &mockEngine{}
	p := New(m)

	_, code := p.Process(req)
	require.Equal(t, protocol.ErrNone, code)
	assert.Equal(t, "first", m.lastParams.Prompt)
}

func TestProcessResetSkippedOnFirstGeneration(t *testing.T) {
	m := &mockEngine{}
	p := New(m)

	_, code := p.Process(makeRequest("one"))
	require.Equal(t, protocol.ErrNone, code)
	assert.Equal(t, 0, m.resets)

	_, code = p.Process(makeRequest("two"))
	require.Equal(t, protocol.ErrNone, code)
	assert.Equal(t, 1, m.resets)

	_, code = p.Process(makeRequest("three"))
	require.Equal(t, protocol.ErrNone, code)
	assert.Equal(t, 2, m.resets)
}

func TestProcessNoResetAfterFailedGeneration(t *testing.T) {
	m := &mockEngine{
		generateFn: func(engine.Params) (*engine.Image, error) {
			return nil, engine.ErrGPU
		},
	}
	p := New(m)

	_, code := p.Process(makeRequest("one"))
	require.Equal(t, protocol.ErrGPUError, code)

	// The first generation never completed, so the next call must not
	// reset the known-good fresh handle.
	_, code = p.Process(makeRequest("two"))
	require.Equal(t, protocol.ErrGPUError, code)
	assert.Equal(t, 0, m.resets)
}

func TestProcessResetFailure(t *testing.T) {
	m := &mockEngine{}
	p := New(m)

	_, code := p.Process(makeRequest("one"))
	require.Equal(t, protocol.ErrNone, code)

	m.resetErr = errors.New("reload failed")
	_, code = p.Process(makeRequest("two"))
	assert.Equal(t, protocol.ErrInternal, code)
}

func TestProcessEngineErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want protocol.ErrorCode
	}{
		{engine.ErrInvalidParam, protocol.ErrInvalidPrompt},
		{fmt.Errorf("%w: width", engine.ErrInvalidParam), protocol.ErrInvalidPrompt},
		{engine.ErrOutOfMemory, protocol.ErrOutOfMemory},
		{engine.ErrGPU, protocol.ErrGPUError},
		{engine.ErrGenerationFailed, protocol.ErrInternal},
		{engine.ErrModelCorrupt, protocol.ErrInternal},
		{errors.New("anything else"), protocol.ErrInternal},
	}

	for _, tc := range cases {
		m := &mockEngine{
			generateFn: func(engine.Params) (*engine.Image, error) {
				return nil, tc.err
			},
		}
		p := New(m)
		_, code := p.Process(makeRequest("prompt"))
		assert.Equal(t, tc.want, code, "engine error %v", tc.err)
	}
}

func TestProcessContractBreaches(t *testing.T) {
	cases := []struct {
		name string
		img  *engine.Image
	}{
		{"nil image", nil},
		{"nil data", &engine.Image{Width: 512, Height: 512, Channels: 3}},
		{"width mismatch", checkerImage(448, 512, 3)},
		{"height mismatch", checkerImage(512, 448, 3)},
		{"bad channels", checkerImage(512, 512, 5)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &mockEngine{
				generateFn: func(engine.Params) (*engine.Image, error) {
					return tc.img, nil
				},
			}
			p := New(m)
			_, code := p.Process(makeRequest("prompt"))
			assert.Equal(t, protocol.ErrInternal, code)
		})
	}
}

func TestProcessPromptValidation(t *testing.T) {
	t.Run("nil prompt region", func(t *testing.T) {
		req := makeRequest("prompt")
		req.PromptData = nil
		p := New(&mockEngine{})
		_, code := p.Process(req)
		assert.Equal(t, protocol.ErrInvalidPrompt, code)
	})

	t.Run("zero clip-l length", func(t *testing.T) {
		req := makeRequest("prompt")
		req.ClipLLength = 0
		p := New(&mockEngine{})
		_, code := p.Process(req)
		assert.Equal(t, protocol.ErrInvalidPrompt, code)
	})

	t.Run("clip-l slice past region", func(t *testing.T) {
		req := makeRequest("prompt")
		req.ClipLOffset = uint32(len(req.PromptData))
		req.ClipLLength = 1
		p := New(&mockEngine{})
		_, code := p.Process(req)
		assert.Equal(t, protocol.ErrInvalidPrompt, code)
	})
}

func TestProcessNilRequest(t *testing.T) {
	p := New(&mockEngine{})
	_, code := p.Process(nil)
	assert.Equal(t, protocol.ErrInternal, code)
}
