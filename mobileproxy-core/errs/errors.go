package errs

import (
	"errors"
	"fmt"
)

// Error is an engine error with a stable code and a human-readable description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so callers can compare
// against values built with New(code, nil).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Kind returns the error family derived from the code range.
func (e *Error) Kind() Kind {
	return kindOf(e.Code)
}

// Kind groups error codes into families.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindResolution
	KindRouting
	KindTransport
	KindLifecycle
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindResolution:
		return "ResolutionError"
	case KindRouting:
		return "RoutingError"
	case KindTransport:
		return "TransportError"
	case KindLifecycle:
		return "LifecycleMisuse"
	case KindInternal:
		return "InternalError"
	default:
		return "UnknownError"
	}
}

// Error codes
const (
	// Configuration errors (E1000-E1999)
	ErrCodeInvalidPort          = "E1001"
	ErrCodeEmptyHost            = "E1002"
	ErrCodeInvalidScheme        = "E1003"
	ErrCodeInvalidLogLevel      = "E1004"
	ErrCodeInvalidDNSTimeout    = "E1005"
	ErrCodeUnsupportedFormat    = "E1006"
	ErrCodeConfigParseFailed    = "E1007"
	ErrCodeInvalidDNSServer     = "E1008"
	ErrCodeInvalidProxyProtocol = "E1009"
	ErrCodeInvalidHost          = "E1010"
	ErrCodeInvalidCacheOptions  = "E1011"
	ErrCodeCacheOptionsConflict = "E1012"
	ErrCodeInvalidTimeout       = "E1013"

	// Resolution errors (E2000-E2999)
	ErrCodeHostUnreachable     = "E2001"
	ErrCodeResolutionTimedOut  = "E2002"
	ErrCodeMalformedHost       = "E2003"
	ErrCodeResolutionCancelled = "E2004"
	ErrCodeNoAddresses         = "E2005"
	ErrCodeLookupFailed        = "E2006"

	// Routing errors (E3000-E3999)
	ErrCodeNoRoute             = "E3001"
	ErrCodeRoutePending        = "E3002"
	ErrCodeRouteDisabled       = "E3003"
	ErrCodeDuplicateListener   = "E3004"
	ErrCodeUnknownListener     = "E3005"
	ErrCodeRouteAlreadyApplied = "E3006"

	// Transport errors (E4000-E4999)
	ErrCodeConnectFailed      = "E4001"
	ErrCodeConnectionRefused  = "E4002"
	ErrCodeConnectionReset    = "E4003"
	ErrCodeTLSHandshakeFailed = "E4004"
	ErrCodeProxyDenied        = "E4005"
	ErrCodeTimeout            = "E4006"
	ErrCodeProtocolError      = "E4007"
	ErrCodeSOCKS5Failed       = "E4008"
	ErrCodeInvalidRequest     = "E4009"
	ErrCodeRequestCancelled   = "E4010"

	// Lifecycle misuse (E5000-E5999)
	ErrCodeEngineTerminated     = "E5001"
	ErrCodeStreamClosed         = "E5002"
	ErrCodeStreamAlreadyStarted = "E5003"
	ErrCodeStreamNotStarted     = "E5004"
	ErrCodeEngineNotRunning     = "E5005"

	// Internal errors (E9000-E9999)
	ErrCodeInternalError = "E9001"
	ErrCodeStoreFailed   = "E9002"
	ErrCodeStatsFailed   = "E9003"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeInvalidPort:          "Port must be between 1 and 65535",
	ErrCodeEmptyHost:            "Proxy host must not be empty",
	ErrCodeInvalidScheme:        "Scheme must be http or https",
	ErrCodeInvalidLogLevel:      "Unknown log level",
	ErrCodeInvalidDNSTimeout:    "DNS query timeout must be positive",
	ErrCodeUnsupportedFormat:    "Unsupported configuration file format",
	ErrCodeConfigParseFailed:    "Failed to parse configuration",
	ErrCodeInvalidDNSServer:     "Invalid DNS server configuration",
	ErrCodeInvalidProxyProtocol: "Proxy protocol must be http or socks5",
	ErrCodeInvalidHost:          "Proxy host is not a valid hostname or IP address",
	ErrCodeInvalidCacheOptions:  "Invalid cache options",
	ErrCodeCacheOptionsConflict: "Cache already exists with different options",
	ErrCodeInvalidTimeout:       "Timeout must be positive",

	ErrCodeHostUnreachable:     "Host could not be resolved",
	ErrCodeResolutionTimedOut:  "Resolution did not complete before the deadline",
	ErrCodeMalformedHost:       "Hostname is malformed",
	ErrCodeResolutionCancelled: "Resolution was cancelled",
	ErrCodeNoAddresses:         "Lookup returned no addresses",
	ErrCodeLookupFailed:        "Lookup failed",

	ErrCodeNoRoute:             "No route matches the request",
	ErrCodeRoutePending:        "Route is waiting for proxy resolution",
	ErrCodeRouteDisabled:       "Route is disabled",
	ErrCodeDuplicateListener:   "Listener is already installed",
	ErrCodeUnknownListener:     "Listener is not installed",
	ErrCodeRouteAlreadyApplied: "Route resolution was already applied",

	ErrCodeConnectFailed:      "Failed to connect to upstream",
	ErrCodeConnectionRefused:  "Connection refused",
	ErrCodeConnectionReset:    "Connection reset by peer",
	ErrCodeTLSHandshakeFailed: "TLS handshake failed",
	ErrCodeProxyDenied:        "Proxy refused the tunnel",
	ErrCodeTimeout:            "Upstream timed out",
	ErrCodeProtocolError:      "Upstream protocol error",
	ErrCodeSOCKS5Failed:       "SOCKS5 connection failed",
	ErrCodeInvalidRequest:     "Request headers are invalid",
	ErrCodeRequestCancelled:   "Request was cancelled",

	ErrCodeEngineTerminated:     "Engine has been terminated",
	ErrCodeStreamClosed:         "Stream is closed",
	ErrCodeStreamAlreadyStarted: "Headers were already sent on this stream",
	ErrCodeStreamNotStarted:     "Headers must be sent before data",
	ErrCodeEngineNotRunning:     "Engine is not running",

	ErrCodeInternalError: "Internal error",
	ErrCodeStoreFailed:   "Key-value store operation failed",
	ErrCodeStatsFailed:   "Stats operation failed",
}

// New creates an Error with the registered description for code.
func New(code string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: GetErrorDescription(code),
		Cause:       cause,
	}
}

// Newf creates an Error with a custom description.
func Newf(code, format string, args ...any) *Error {
	return &Error{
		Code:        code,
		Description: fmt.Sprintf(format, args...),
	}
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// Ensure returns err as *Error, wrapping foreign errors as internal.
func Ensure(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return New(ErrCodeInternalError, err)
}

func kindOf(code string) Kind {
	switch {
	case code >= "E1000" && code < "E2000":
		return KindConfig
	case code >= "E2000" && code < "E3000":
		return KindResolution
	case code >= "E3000" && code < "E4000":
		return KindRouting
	case code >= "E4000" && code < "E5000":
		return KindTransport
	case code >= "E5000" && code < "E6000":
		return KindLifecycle
	case code >= "E9000" && code <= "E9999":
		return KindInternal
	default:
		return KindUnknown
	}
}

// IsConfigError checks if the error is configuration-related
func IsConfigError(err error) bool {
	return kindOf(CodeOf(err)) == KindConfig
}

// IsResolutionError checks if the error is resolution-related
func IsResolutionError(err error) bool {
	return kindOf(CodeOf(err)) == KindResolution
}

// IsRoutingError checks if the error is routing-related
func IsRoutingError(err error) bool {
	return kindOf(CodeOf(err)) == KindRouting
}

// IsTransportError checks if the error is transport-related
func IsTransportError(err error) bool {
	return kindOf(CodeOf(err)) == KindTransport
}

// IsLifecycleMisuse checks if the error reports an API misuse
func IsLifecycleMisuse(err error) bool {
	return kindOf(CodeOf(err)) == KindLifecycle
}

// IsInternalError checks if the error is internal
func IsInternalError(err error) bool {
	return kindOf(CodeOf(err)) == KindInternal
}
