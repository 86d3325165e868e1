package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToPattern(t *testing.T) {
	eng, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "pattern (checkerboard test backend)", eng.ModelInfo())
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "cuda"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestPatternGenerate(t *testing.T) {
	eng, err := New(Config{Backend: BackendPattern})
	require.NoError(t, err)

	img, err := eng.Generate(Params{
		Prompt: "a cat in space",
		Width:  128,
		Height: 64,
		Steps:  4,
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(128), img.Width)
	assert.Equal(t, uint32(64), img.Height)
	assert.Equal(t, uint32(3), img.Channels)
	assert.Len(t, img.Data, 128*64*3)

	// Top-left block is black, the next block to the right is white.
	assert.Equal(t, byte(0x00), img.Data[0])
	off := 8 * 3
	assert.Equal(t, byte(0xFF), img.Data[off])
	// Block below the first is white too.
	off = 8 * 128 * 3
	assert.Equal(t, byte(0xFF), img.Data[off])
}

func TestPatternGenerateValidation(t *testing.T) {
	eng, err := New(Config{Backend: BackendPattern})
	require.NoError(t, err)

	cases := []struct {
		name   string
		params Params
	}{
		{"empty prompt", Params{Width: 512, Height: 512, Steps: 4}},
		{"unaligned width", Params{Prompt: "p", Width: 513, Height: 512, Steps: 4}},
		{"height too small", Params{Prompt: "p", Width: 512, Height: 32, Steps: 4}},
		{"height too large", Params{Prompt: "p", Width: 512, Height: 4096, Steps: 4}},
		{"zero steps", Params{Prompt: "p", Width: 512, Height: 512, Steps: 0}},
		{"too many steps", Params{Prompt: "p", Width: 512, Height: 512, Steps: 101}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Generate(tc.params)
			assert.ErrorIs(t, err, ErrInvalidParam)
		})
	}
}

func TestPatternClosedEngine(t *testing.T) {
	eng, err := New(Config{Backend: BackendPattern})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = eng.Generate(Params{Prompt: "p", Width: 64, Height: 64, Steps: 1})
	assert.Error(t, err)
	assert.Error(t, eng.Reset())
}

func TestPatternReset(t *testing.T) {
	eng, err := New(Config{Backend: BackendPattern})
	require.NoError(t, err)
	assert.NoError(t, eng.Reset())
}
