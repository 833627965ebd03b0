package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
)

// Classify maps an error seen while reading a response to a transport error
// code, the same way RoundTrip does for its own failures.
func Classify(ctx context.Context, err error) *errs.Error {
	return classify(ctx, err)
}

// classify maps a failed exchange to a transport error code. Errors that
// already carry a code keep it.
func classify(ctx context.Context, err error) *errs.Error {
	if e, ok := errs.As(err); ok {
		return e
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return errs.New(errs.ErrCodeRequestCancelled, err)
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return errs.New(errs.ErrCodeConnectionRefused, err)
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return errs.New(errs.ErrCodeConnectionReset, err)
	case isTLSError(err):
		return errs.New(errs.ErrCodeTLSHandshakeFailed, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errs.New(errs.ErrCodeTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.New(errs.ErrCodeTimeout, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return errs.New(errs.ErrCodeConnectionRefused, err)
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "EOF"),
		strings.Contains(msg, "server closed"):
		return errs.New(errs.ErrCodeConnectionReset, err)
	case strings.Contains(msg, "tls:"):
		return errs.New(errs.ErrCodeTLSHandshakeFailed, err)
	case strings.Contains(msg, "malformed HTTP"):
		return errs.New(errs.ErrCodeProtocolError, err)
	}

	return errs.New(errs.ErrCodeConnectFailed, err)
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var alertErr tls.AlertError
	var verifyErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	return errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert)
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
