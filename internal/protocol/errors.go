package protocol

// ErrorCode is the closed set of machine-readable protocol error
// identifiers carried in error replies.
type ErrorCode uint32

const (
	ErrNone               ErrorCode = 0
	ErrInvalidMagic       ErrorCode = 1
	ErrUnsupportedVersion ErrorCode = 2
	ErrInvalidModelID     ErrorCode = 3
	ErrInvalidPrompt      ErrorCode = 4
	ErrInvalidDimensions  ErrorCode = 5
	ErrInvalidSteps       ErrorCode = 6
	ErrInvalidCFG         ErrorCode = 7
	ErrOutOfMemory        ErrorCode = 8
	ErrGPUError           ErrorCode = 9
	ErrTimeout            ErrorCode = 10
	ErrInternal           ErrorCode = 99
)

// String returns the stable identifier for the code, for operator logs.
func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "NONE"
	case ErrInvalidMagic:
		return "INVALID_MAGIC"
	case ErrUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case ErrInvalidModelID:
		return "INVALID_MODEL_ID"
	case ErrInvalidPrompt:
		return "INVALID_PROMPT"
	case ErrInvalidDimensions:
		return "INVALID_DIMENSIONS"
	case ErrInvalidSteps:
		return "INVALID_STEPS"
	case ErrInvalidCFG:
		return "INVALID_CFG"
	case ErrOutOfMemory:
		return "OUT_OF_MEMORY"
	case ErrGPUError:
		return "GPU_ERROR"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// StatusForCode maps an error code to its HTTP-style status. The mapping is
// an explicit table rather than a numeric comparison so that adding a new
// code forces a reclassification decision here.
func StatusForCode(c ErrorCode) uint32 {
	switch c {
	case ErrInvalidMagic,
		ErrUnsupportedVersion,
		ErrInvalidModelID,
		ErrInvalidPrompt,
		ErrInvalidDimensions,
		ErrInvalidSteps,
		ErrInvalidCFG:
		return StatusBadRequest

	case ErrOutOfMemory,
		ErrGPUError,
		ErrTimeout,
		ErrInternal:
		return StatusInternalServerError

	default:
		return StatusInternalServerError
	}
}
