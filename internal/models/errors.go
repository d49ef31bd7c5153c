package models

import "errors"

// FieldError rejects a row or setting because of one field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// Pipeline errors.
var (
	// ErrNotReady indicates source audio for a chunk is missing or still being fabricated.
	// It is a retry signal, not a failure.
	ErrNotReady = errors.New("source audio not ready")

	// ErrInvalidTransition indicates a chunk state change that the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid chunk state transition")

	// ErrUnsupportedAudioShape indicates source audio the mixer cannot place:
	// missing channel or rate metadata, mismatched rates, or an oversized frame count.
	ErrUnsupportedAudioShape = errors.New("unsupported audio shape")

	// ErrEncodeFailed indicates the external AAC encoder failed or produced no frames.
	ErrEncodeFailed = errors.New("aac encode failed")

	// ErrStreamUnknown indicates the chain registry has no chain for a stream key.
	ErrStreamUnknown = errors.New("stream unknown to chain registry")

	// ErrManifestParse indicates a previously published manifest could not be read back.
	ErrManifestParse = errors.New("unparseable manifest")

	// ErrMisalignedChunk indicates a chunk window that does not start on a chunk boundary.
	ErrMisalignedChunk = errors.New("chunk start not aligned to chunk length")

	// ErrStreamKeyRequired indicates an empty stream key.
	ErrStreamKeyRequired = errors.New("stream key is required")
)
