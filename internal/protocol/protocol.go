// Package protocol implements the weave binary wire protocol used between
// the orchestration layer and weave-compute over Unix domain sockets.
//
// Wire format conventions:
//   - All multi-byte integers are big-endian (network byte order)
//   - Strings are UTF-8 encoded, length-prefixed, NOT null-terminated
//   - No struct padding or alignment assumptions
//
// The decoder and encoders never log and never allocate on the error path;
// callers decide what to report to the operator.
package protocol

import (
	"encoding/binary"
	"math"
)

// Protocol constants.
const (
	// Magic is the protocol magic number: ASCII "WEVE".
	Magic uint32 = 0x57455645

	// Version1 is the current protocol version.
	Version1 uint16 = 0x0001

	// MinSupportedVersion and MaxSupportedVersion bound the accepted
	// version range. Both are currently version 1.
	MinSupportedVersion = Version1
	MaxSupportedVersion = Version1

	// MaxMessageSize is the maximum total message size: 10 MiB.
	MaxMessageSize = 10 * 1024 * 1024

	// HeaderSize is the fixed size of the common message header.
	HeaderSize = 16
)

// ModelIDSD35 is the Stable Diffusion 3.5 model identifier, the only
// model this protocol version accepts.
const ModelIDSD35 uint32 = 0x00000000

// SD 3.5 parameter bounds.
const (
	MinDimension       = 64
	MaxDimension       = 2048
	DimensionAlignment = 64

	MinSteps = 1
	MaxSteps = 100

	MinCFG float32 = 0.0
	MaxCFG float32 = 20.0

	// MinPromptLength and MaxPromptLength bound each encoder's prompt in
	// bytes. The 256-byte cap keeps token counts safely below CLIP's
	// limits; tokenizers break words into subwords, so longer byte
	// strings can overflow the encoder even at modest word counts.
	MinPromptLength = 1
	MaxPromptLength = 256

	// MaxPromptDataSize is the size of three maximal, non-overlapping
	// prompts. DecodeGenerateRequest does not cap the prompt region at
	// this size; only the payload cap bounds it.
	MaxPromptDataSize = 3 * MaxPromptLength
)

// Message types.
const (
	MsgGenerateRequest  uint16 = 0x0001
	MsgGenerateResponse uint16 = 0x0002
	MsgError            uint16 = 0x00FF
)

// Status codes, HTTP-like for semantic clarity.
const (
	StatusOK                  uint32 = 200
	StatusBadRequest          uint32 = 400
	StatusInternalServerError uint32 = 500
)

// requestMetaSize and requestParamsSize split the fixed request payload
// prefix: request_id + model_id, then the generation parameters.
const (
	requestMetaSize   = 12
	requestParamsSize = 48
)

// responseCommonSize and responseImageMetaSize are the fixed portions of a
// generation response payload ahead of the raw pixels.
const (
	responseCommonSize    = 16
	responseImageMetaSize = 16
)

// Header is the in-memory form of the 16-byte common message header.
// The reserved field must be zero on send and is ignored on receive.
type Header struct {
	Magic      uint32
	Version    uint16
	MsgType    uint16
	PayloadLen uint32
	Reserved   uint32
}

// GenerateRequest is a decoded SD 3.5 generation request.
//
// PromptData is a sub-slice of the buffer passed to DecodeGenerateRequest;
// it must not be used after that buffer is released or reused.
type GenerateRequest struct {
	RequestID uint64
	ModelID   uint32

	Width    uint32
	Height   uint32
	Steps    uint32
	CFGScale float32
	Seed     uint64

	ClipLOffset uint32
	ClipLLength uint32
	ClipGOffset uint32
	ClipGLength uint32
	T5Offset    uint32
	T5Length    uint32

	PromptData []byte
}

// GenerateResponse is a successful generation result ready for encoding.
type GenerateResponse struct {
	RequestID        uint64
	Status           uint32
	GenerationTimeMS uint32

	ImageWidth   uint32
	ImageHeight  uint32
	Channels     uint32
	ImageDataLen uint32
	ImageData    []byte
}

// ErrorResponse is an error reply. RequestID is zero when no trusted
// request id could be extracted from the offending message.
type ErrorResponse struct {
	RequestID uint64
	Status    uint32
	Code      ErrorCode
	Message   string
}

func decodeHeader(data []byte, h *Header) ErrorCode {
	if len(data) < HeaderSize {
		return ErrInternal
	}

	h.Magic = binary.BigEndian.Uint32(data[0:4])
	h.Version = binary.BigEndian.Uint16(data[4:6])
	h.MsgType = binary.BigEndian.Uint16(data[6:8])
	h.PayloadLen = binary.BigEndian.Uint32(data[8:12])
	h.Reserved = binary.BigEndian.Uint32(data[12:16])

	if h.Magic != Magic {
		return ErrInvalidMagic
	}
	if h.Version < MinSupportedVersion || h.Version > MaxSupportedVersion {
		return ErrUnsupportedVersion
	}
	if h.MsgType != MsgGenerateRequest {
		return ErrInternal
	}
	if h.PayloadLen > MaxMessageSize-HeaderSize {
		return ErrInternal
	}
	return ErrNone
}

// DecodeGenerateRequest decodes and validates a complete generation request
// message. Every field is validated before use; bounds checks are phrased as
// subtraction on the larger side so no intermediate sum can overflow.
//
// On success req is fully populated and req.PromptData borrows from data.
// On failure req is left in an unspecified state.
func DecodeGenerateRequest(data []byte, req *GenerateRequest) ErrorCode {
	if req == nil {
		return ErrInternal
	}
	if len(data) < HeaderSize {
		return ErrInternal
	}

	var h Header
	if code := decodeHeader(data, &h); code != ErrNone {
		return code
	}

	if uint64(len(data)) < HeaderSize+uint64(h.PayloadLen) {
		return ErrInternal
	}
	if h.PayloadLen < requestMetaSize+requestParamsSize {
		return ErrInternal
	}

	p := data[HeaderSize : HeaderSize+int(h.PayloadLen)]

	req.RequestID = binary.BigEndian.Uint64(p[0:8])
	req.ModelID = binary.BigEndian.Uint32(p[8:12])
	if req.ModelID != ModelIDSD35 {
		return ErrInvalidModelID
	}

	req.Width = binary.BigEndian.Uint32(p[12:16])
	req.Height = binary.BigEndian.Uint32(p[16:20])
	req.Steps = binary.BigEndian.Uint32(p[20:24])
	req.CFGScale = math.Float32frombits(binary.BigEndian.Uint32(p[24:28]))
	req.Seed = binary.BigEndian.Uint64(p[28:36])
	req.ClipLOffset = binary.BigEndian.Uint32(p[36:40])
	req.ClipLLength = binary.BigEndian.Uint32(p[40:44])
	req.ClipGOffset = binary.BigEndian.Uint32(p[44:48])
	req.ClipGLength = binary.BigEndian.Uint32(p[48:52])
	req.T5Offset = binary.BigEndian.Uint32(p[52:56])
	req.T5Length = binary.BigEndian.Uint32(p[56:60])

	req.PromptData = p[requestMetaSize+requestParamsSize:]

	if req.Width < MinDimension || req.Width > MaxDimension ||
		req.Width%DimensionAlignment != 0 {
		return ErrInvalidDimensions
	}
	if req.Height < MinDimension || req.Height > MaxDimension ||
		req.Height%DimensionAlignment != 0 {
		return ErrInvalidDimensions
	}

	if req.Steps < MinSteps || req.Steps > MaxSteps {
		return ErrInvalidSteps
	}

	// The finiteness test uses math.IsNaN/IsInf rather than relying on the
	// range compare, which every NaN would slip through: any NaN payload
	// and both infinities must fail here.
	cfg64 := float64(req.CFGScale)
	if math.IsNaN(cfg64) || math.IsInf(cfg64, 0) ||
		req.CFGScale < MinCFG || req.CFGScale > MaxCFG {
		return ErrInvalidCFG
	}

	if req.ClipLLength < MinPromptLength || req.ClipLLength > MaxPromptLength {
		return ErrInvalidPrompt
	}
	if req.ClipGLength < MinPromptLength || req.ClipGLength > MaxPromptLength {
		return ErrInvalidPrompt
	}
	if req.T5Length < MinPromptLength || req.T5Length > MaxPromptLength {
		return ErrInvalidPrompt
	}

	region := uint32(len(req.PromptData))
	if req.ClipLOffset > region || req.ClipLLength > region-req.ClipLOffset {
		return ErrInvalidPrompt
	}
	if req.ClipGOffset > region || req.ClipGLength > region-req.ClipGOffset {
		return ErrInvalidPrompt
	}
	if req.T5Offset > region || req.T5Length > region-req.T5Offset {
		return ErrInvalidPrompt
	}

	return ErrNone
}

// EncodeGenerateResponse encodes a successful generation response into buf
// and returns the number of bytes written.
//
// Validation performed before any byte is written:
//   - width/height in protocol bounds and 64-aligned
//   - channels is 3 (RGB) or 4 (RGBA)
//   - width*height*channels fits in uint32 and equals ImageDataLen
//   - the complete frame fits in MaxMessageSize and in buf
func EncodeGenerateResponse(resp *GenerateResponse, buf []byte) (int, ErrorCode) {
	if resp == nil || resp.ImageData == nil {
		return 0, ErrInternal
	}

	if resp.ImageWidth < MinDimension || resp.ImageWidth > MaxDimension ||
		resp.ImageWidth%DimensionAlignment != 0 {
		return 0, ErrInvalidDimensions
	}
	if resp.ImageHeight < MinDimension || resp.ImageHeight > MaxDimension ||
		resp.ImageHeight%DimensionAlignment != 0 {
		return 0, ErrInvalidDimensions
	}
	if resp.Channels != 3 && resp.Channels != 4 {
		return 0, ErrInvalidDimensions
	}

	if resp.ImageWidth > math.MaxUint32/resp.ImageHeight {
		return 0, ErrInvalidDimensions
	}
	pixels := resp.ImageWidth * resp.ImageHeight
	if pixels > math.MaxUint32/resp.Channels {
		return 0, ErrInvalidDimensions
	}
	if resp.ImageDataLen != pixels*resp.Channels {
		return 0, ErrInvalidDimensions
	}
	if uint64(len(resp.ImageData)) != uint64(resp.ImageDataLen) {
		return 0, ErrInvalidDimensions
	}

	if resp.ImageDataLen > MaxMessageSize-HeaderSize-responseCommonSize-responseImageMetaSize {
		return 0, ErrInternal
	}

	payloadLen := uint32(responseCommonSize+responseImageMetaSize) + resp.ImageDataLen
	total := HeaderSize + int(payloadLen)
	if total > len(buf) {
		return 0, ErrInternal
	}

	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version1)
	binary.BigEndian.PutUint16(buf[6:8], MsgGenerateResponse)
	binary.BigEndian.PutUint32(buf[8:12], payloadLen)
	binary.BigEndian.PutUint32(buf[12:16], 0)

	binary.BigEndian.PutUint64(buf[16:24], resp.RequestID)
	binary.BigEndian.PutUint32(buf[24:28], resp.Status)
	binary.BigEndian.PutUint32(buf[28:32], resp.GenerationTimeMS)

	binary.BigEndian.PutUint32(buf[32:36], resp.ImageWidth)
	binary.BigEndian.PutUint32(buf[36:40], resp.ImageHeight)
	binary.BigEndian.PutUint32(buf[40:44], resp.Channels)
	binary.BigEndian.PutUint32(buf[44:48], resp.ImageDataLen)

	copy(buf[48:], resp.ImageData)

	return total, ErrNone
}

// EncodeErrorResponse encodes an error reply into buf and returns the number
// of bytes written. An empty message is allowed; messages longer than 65535
// bytes are rejected.
func EncodeErrorResponse(resp *ErrorResponse, buf []byte) (int, ErrorCode) {
	if resp == nil {
		return 0, ErrInternal
	}

	msgLen := len(resp.Message)
	if msgLen > math.MaxUint16 {
		return 0, ErrInternal
	}

	payloadLen := uint32(8+4+4+2) + uint32(msgLen)
	if payloadLen > MaxMessageSize-HeaderSize {
		return 0, ErrInternal
	}

	total := HeaderSize + int(payloadLen)
	if total > len(buf) {
		return 0, ErrInternal
	}

	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version1)
	binary.BigEndian.PutUint16(buf[6:8], MsgError)
	binary.BigEndian.PutUint32(buf[8:12], payloadLen)
	binary.BigEndian.PutUint32(buf[12:16], 0)

	binary.BigEndian.PutUint64(buf[16:24], resp.RequestID)
	binary.BigEndian.PutUint32(buf[24:28], resp.Status)
	binary.BigEndian.PutUint32(buf[28:32], uint32(resp.Code))
	binary.BigEndian.PutUint16(buf[32:34], uint16(msgLen))
	copy(buf[34:], resp.Message)

	return total, ErrNone
}
