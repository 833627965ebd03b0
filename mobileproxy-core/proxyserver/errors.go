package proxyserver

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
)

// upstreamError maps a failed upstream dial or exchange to an error code.
func upstreamError(err error) *errs.Error {
	if e, ok := errs.As(err); ok {
		return e
	}
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return errs.New(errs.ErrCodeConnectionRefused, err)
	case errors.Is(err, syscall.ECONNRESET):
		return errs.New(errs.ErrCodeConnectionReset, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return errs.New(errs.ErrCodeTimeout, err)
	}
	return errs.New(errs.ErrCodeConnectFailed, err)
}

// writeProxyErrorResponse answers with a 502 page naming the error code in
// the X-Proxy-Error header.
func writeProxyErrorResponse(w http.ResponseWriter, err *errs.Error) {
	description := errs.GetErrorDescription(err.Code)
	title := "502 Bad Gateway"
	body := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
</head>
<body>
    <h1>%s</h1>
    <p>The proxy could not reach the requested server.</p>
    <p><b>Error Code:</b> %s</p>
    <p><b>Description:</b> %s</p>
</body>
</html>`, title, title, err.Code, description)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.Header().Set("X-Proxy-Error", err.Code)
	w.WriteHeader(http.StatusBadGateway)
	if _, writeErr := w.Write([]byte(body)); writeErr != nil {
		logger.Error("Failed to write bad gateway response: %v", writeErr)
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
