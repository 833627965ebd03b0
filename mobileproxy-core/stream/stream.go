package stream

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/executor"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/codefionn/mobileproxy/mobileproxy-core/routes"
	"github.com/codefionn/mobileproxy/mobileproxy-core/stats"
	"github.com/codefionn/mobileproxy/mobileproxy-core/transport"
)

const readChunkSize = 16 * 1024

type streamState int

const (
	stateIdle streamState = iota
	stateOpen
	stateDone
	stateCancelled
)

// Stream is one request/response exchange. Its methods are safe to call
// from any goroutine.
type Stream struct {
	id        string
	client    *Client
	callbacks Callbacks
	queue     *executor.Queue

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu         sync.Mutex
	state      streamState
	terminal   bool // terminal callback scheduled
	localEnded bool
	body       *requestBody
	intel      StreamIntel
	startedAt  time.Time
	received   int64
	status     int
}

// ID returns the stream identifier.
func (s *Stream) ID() string {
	return s.id
}

// SendHeaders starts the exchange. Failures to route or reach the
// destination are reported through OnError; the returned error is only
// set for misuse: a second call, a cancelled or finished stream, or a
// closed client. In those cases no callback fires.
func (s *Stream) SendHeaders(headers RequestHeaders, endStream bool) error {
	s.mu.Lock()
	switch {
	case s.state == stateCancelled || s.state == stateDone:
		s.mu.Unlock()
		return errs.New(errs.ErrCodeStreamClosed, nil)
	case s.state != stateIdle:
		s.mu.Unlock()
		return errs.New(errs.ErrCodeStreamAlreadyStarted, nil)
	}
	if !s.client.register(s) {
		s.mu.Unlock()
		return errs.New(errs.ErrCodeEngineTerminated, nil)
	}
	s.state = stateOpen
	s.startedAt = time.Now()
	s.localEnded = endStream
	s.intel = StreamIntel{StreamID: s.id}
	if !endStream {
		s.body = newRequestBody()
	}
	body := s.body
	s.mu.Unlock()

	s.client.collector.StartStream(strings.ToLower(headers.Scheme()))

	req, err := buildRequest(headers)
	if err != nil {
		s.fail(err)
		return nil
	}
	if body != nil {
		req.Body = body
	}

	route, ok := s.client.routes.Lookup(routeInput(req.Scheme, req.Authority))
	if !ok {
		s.fail(errs.Newf(errs.ErrCodeNoRoute, "no route for %s://%s", req.Scheme, req.Authority))
		return nil
	}
	if routeErr := route.Err(); routeErr != nil {
		logger.Debug("%s", logger.WithStreamID(s.id, "Route %s is not usable: %v", route.ListenerID, routeErr))
		s.fail(routeErr)
		return nil
	}

	target := targetFor(route)
	s.mu.Lock()
	s.intel.Listener = string(route.ListenerID)
	s.intel.Target = target.String()
	s.mu.Unlock()

	logger.Debug("%s", logger.WithStreamID(s.id, "%s %s via %s", req.Method, req.URL(), route))
	go s.dispatch(target, req)
	return nil
}

// SendData appends to the request body. endStream marks the last chunk.
// It never blocks on the network.
func (s *Stream) SendData(data []byte, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == stateIdle:
		return errs.New(errs.ErrCodeStreamNotStarted, nil)
	case s.state != stateOpen, s.terminal, s.localEnded:
		return errs.New(errs.ErrCodeStreamClosed, nil)
	}
	s.localEnded = endStream
	s.body.write(data, endStream)
	return nil
}

// Close sends the final body chunk.
func (s *Stream) Close(data []byte) error {
	return s.SendData(data, true)
}

// Cancel stops the stream. No callback fires after Cancel returns, except
// one that was already running. Cancelling a stream whose terminal
// callback already ran does nothing.
func (s *Stream) Cancel() {
	if s.stop() {
		logger.Debug("%s", logger.WithStreamID(s.id, "Stream cancelled"))
	}
	s.queue.Close(0)
}

// closeAction is what a closing client does with one of its streams.
type closeAction int

const (
	closeIgnore  closeAction = iota // terminal callback already running or ran
	closeStopped                    // stream was cancelled
	closeDeliver                    // terminal callback scheduled, not yet run
)

// shutdown prepares the stream for a closing client. A stream whose terminal
// callback is scheduled keeps it; any other stream is stopped.
func (s *Stream) shutdown() closeAction {
	s.mu.Lock()
	deliver := s.state == stateOpen && s.terminal
	s.mu.Unlock()
	if deliver {
		return closeDeliver
	}
	if s.stop() {
		return closeStopped
	}
	return closeIgnore
}

// settle closes the callback queue after shutdown. Scheduled callbacks are
// delivered within wait, a stopped stream waits up to wait for a running
// callback. A stream already delivering its terminal callback is not
// waited for; that callback may be the one closing the client.
func (s *Stream) settle(action closeAction, wait time.Duration) {
	switch action {
	case closeDeliver:
		if !s.queue.Shutdown(wait) {
			s.abandon("terminal callback not delivered within %s", wait)
		}
	case closeStopped:
		s.queue.Close(wait)
	default:
		s.queue.Close(0)
	}
}

// abandon cancels a stream whose terminal callback can no longer run.
func (s *Stream) abandon(format string, args ...any) {
	if s.stop() {
		logger.Warn("%s", logger.WithStreamID(s.id, format, args...))
	}
	s.queue.Close(0)
}

// stop moves the stream to cancelled. It reports false if the stream
// already finished or was cancelled.
func (s *Stream) stop() bool {
	s.mu.Lock()
	if s.state == stateDone || s.state == stateCancelled {
		s.mu.Unlock()
		return false
	}
	started := s.state == stateOpen
	s.state = stateCancelled
	body := s.body
	startedAt := s.startedAt
	s.mu.Unlock()

	if body != nil {
		body.abort(errs.New(errs.ErrCodeRequestCancelled, nil))
	}
	if started {
		s.client.collector.EndStream(stats.OutcomeCancelled, time.Since(startedAt))
	}
	s.release()
	return true
}

func (s *Stream) release() {
	s.cancelCtx()
	s.client.unregister(s)
}

func (s *Stream) dispatch(target transport.Target, req *transport.Request) {
	resp, err := s.client.transport.RoundTrip(s.ctx, target, req)
	if err != nil {
		s.fail(errs.Ensure(err))
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("%s", logger.WithStreamID(s.id, "Error closing response body: %v", closeErr))
		}
	}()

	s.mu.Lock()
	s.status = resp.StatusCode
	s.mu.Unlock()

	noBody := resp.ContentLength == 0 || req.Method == http.MethodHead
	headers := responseHeaders(resp)
	s.post(func(intel StreamIntel) {
		if s.callbacks.OnHeaders != nil {
			s.callbacks.OnHeaders(headers, noBody, intel)
		}
	})

	if !noBody {
		if err := s.relayBody(resp.Body); err != nil {
			s.fail(err)
			return
		}
	}
	s.finish(nil)
}

// relayBody delivers the response body in chunks. The last chunk is
// delivered with endStream set, so one chunk is held back until the next
// read shows whether more data follows.
func (s *Stream) relayBody(body io.Reader) *errs.Error {
	var pending []byte
	for {
		chunk := make([]byte, readChunkSize)
		n, err := body.Read(chunk)
		if n > 0 {
			if pending != nil {
				s.postData(pending, false)
			}
			pending = chunk[:n]
			s.mu.Lock()
			s.received += int64(n)
			s.mu.Unlock()
		}
		if err == io.EOF {
			if pending != nil {
				s.postData(pending, true)
			}
			return nil
		}
		if err != nil {
			return transport.Classify(s.ctx, err)
		}
	}
}

func (s *Stream) postData(data []byte, endStream bool) {
	s.post(func(intel StreamIntel) {
		if s.callbacks.OnData != nil {
			s.callbacks.OnData(data, endStream, intel)
		}
	})
}

// post schedules a non-terminal callback.
func (s *Stream) post(task func(StreamIntel)) {
	s.mu.Lock()
	if s.terminal || s.state == stateCancelled {
		s.mu.Unlock()
		return
	}
	intel := s.intel
	s.mu.Unlock()

	s.queue.Push(func() {
		if s.cancelled() {
			return
		}
		task(intel)
	})
}

func (s *Stream) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateCancelled
}

func (s *Stream) fail(err *errs.Error) {
	s.finish(err)
}

// finish schedules the terminal callback: OnComplete when err is nil,
// OnError otherwise. Only the first call has an effect.
func (s *Stream) finish(err *errs.Error) {
	s.mu.Lock()
	if s.terminal || s.state == stateCancelled {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	intel := s.intel
	final := FinalStreamIntel{
		StreamStart:       s.startedAt,
		StreamEnd:         time.Now(),
		ReceivedByteCount: s.received,
		HTTPStatus:        s.status,
	}
	if s.body != nil {
		final.SentByteCount = s.body.bytesRead()
		s.body.abort(errs.New(errs.ErrCodeStreamClosed, nil))
	}
	s.mu.Unlock()

	if err != nil {
		logger.Debug("%s", logger.WithStreamID(s.id, "Stream failed: %v", err))
	} else {
		logger.Debug("%s", logger.WithStreamID(s.id, "Stream complete"))
	}

	pushed := s.queue.Push(func() {
		s.mu.Lock()
		if s.state == stateCancelled {
			s.mu.Unlock()
			return
		}
		s.state = stateDone
		s.mu.Unlock()

		collector := s.client.collector
		if err != nil {
			collector.RecordStreamError(err)
			collector.EndStream(stats.OutcomeError, final.Duration())
			if s.callbacks.OnError != nil {
				s.callbacks.OnError(err, intel, final)
			}
		} else {
			collector.EndStream(stats.OutcomeComplete, final.Duration())
			if s.callbacks.OnComplete != nil {
				s.callbacks.OnComplete(intel, final)
			}
		}
		s.release()
		s.queue.Close(0)
	})
	if !pushed {
		s.abandon("callback executor refused the terminal callback")
	}
}

func buildRequest(headers RequestHeaders) (*transport.Request, *errs.Error) {
	method := strings.ToUpper(headers.Method())
	if method == "" {
		return nil, errs.Newf(errs.ErrCodeInvalidRequest, "missing %s", HeaderMethod)
	}
	scheme := strings.ToLower(headers.Scheme())
	if scheme != "http" && scheme != "https" {
		return nil, errs.Newf(errs.ErrCodeInvalidRequest, "unsupported %s %q", HeaderScheme, headers.Scheme())
	}
	authority := headers.Authority()
	if authority == "" {
		return nil, errs.Newf(errs.ErrCodeInvalidRequest, "missing %s", HeaderAuthority)
	}
	path := headers.Path()
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		return nil, errs.Newf(errs.ErrCodeInvalidRequest, "%s must start with '/': %q", HeaderPath, path)
	}
	return &transport.Request{
		Method:    method,
		Scheme:    scheme,
		Authority: authority,
		Path:      path,
		Header:    headers.HTTPHeader(),
	}, nil
}

func routeInput(scheme, authority string) routes.Input {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host = strings.Trim(authority, "[]")
		portStr = ""
	}
	var port uint16
	if p, err := strconv.ParseUint(portStr, 10, 16); err == nil {
		port = uint16(p)
	} else if scheme == "https" {
		port = 443
	} else {
		port = 80
	}
	return routes.Input{Scheme: scheme, Host: strings.ToLower(host), Port: port}
}

func targetFor(route routes.Route) transport.Target {
	if route.Cluster.Direct {
		return transport.DirectTarget()
	}
	return transport.Target{Proxy: route.Target, Protocol: route.Cluster.Protocol}
}
