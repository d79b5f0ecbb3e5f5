package transport

import "fmt"

// ErrorCode is a QUIC transport error code.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-20
type ErrorCode uint64

// Transport error codes defined by RFC 9000 §20.1.
const (
	NoError                  ErrorCode = 0x0
	InternalError            ErrorCode = 0x1
	ConnectionRefused        ErrorCode = 0x2
	FlowControlError         ErrorCode = 0x3
	StreamLimitError         ErrorCode = 0x4
	StreamStateError         ErrorCode = 0x5
	FinalSizeError           ErrorCode = 0x6
	FrameEncodingError       ErrorCode = 0x7
	TransportParameterError ErrorCode = 0x8
	ConnectionIDLimitError   ErrorCode = 0x9
	ProtocolViolation        ErrorCode = 0xa
	InvalidToken             ErrorCode = 0xb
	ApplicationError         ErrorCode = 0xc
	CryptoBufferExceeded     ErrorCode = 0xd
	KeyUpdateError           ErrorCode = 0xe
	AEADLimitReached         ErrorCode = 0xf
	NoViablePath             ErrorCode = 0x10
	// cryptoErrorBase is added to a TLS alert to form a CRYPTO_ERROR code.
	cryptoErrorBase ErrorCode = 0x100
)

// Error represents a QUIC transport-level error carrying a code and an
// optional human readable message.
type Error struct {
	Code    ErrorCode
	Message string
}

func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func newCryptoError(alert uint8) *Error {
	return &Error{Code: cryptoErrorBase + ErrorCode(alert), Message: "tls alert"}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return errorCodeString(uint64(e.Code))
	}
	return fmt.Sprintf("%s: %s", errorCodeString(uint64(e.Code)), e.Message)
}

// Sentinel errors used internally by the transport package.
// errShortBuffer is a local condition reported as InternalError; the others
// carry the RFC 9000 transport error code they correspond to.
var (
	errShortBuffer  = newError(InternalError, "short buffer")
	errFlowControl  = newError(FlowControlError, "flow control limit exceeded")
	errInvalidToken = newError(InvalidToken, "invalid retry token")
	errFinalSize    = newError(FinalSizeError, "final size mismatch")
)

func errorCodeString(code uint64) string {
	if code >= uint64(cryptoErrorBase) && code < uint64(cryptoErrorBase)+256 {
		return fmt.Sprintf("crypto_error_%d", code-uint64(cryptoErrorBase))
	}
	switch ErrorCode(code) {
	case NoError:
		return "no_error"
	case InternalError:
		return "internal_error"
	case ConnectionRefused:
		return "connection_refused"
	case FlowControlError:
		return "flow_control_error"
	case StreamLimitError:
		return "stream_limit_error"
	case StreamStateError:
		return "stream_state_error"
	case FinalSizeError:
		return "final_size_error"
	case FrameEncodingError:
		return "frame_encoding_error"
	case TransportParameterError:
		return "transport_parameter_error"
	case ConnectionIDLimitError:
		return "connection_id_limit_error"
	case ProtocolViolation:
		return "protocol_violation"
	case InvalidToken:
		return "invalid_token"
	case ApplicationError:
		return "application_error"
	case CryptoBufferExceeded:
		return "crypto_buffer_exceeded"
	case KeyUpdateError:
		return "key_update_error"
	case AEADLimitReached:
		return "aead_limit_reached"
	case NoViablePath:
		return "no_viable_path"
	default:
		return fmt.Sprintf("unknown_error_%d", code)
	}
}
