package stream

import (
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/executor"
)

// StreamIntel describes the stream a callback belongs to.
type StreamIntel struct {
	StreamID string
	// Listener is the route the stream was dispatched through, empty before
	// routing.
	Listener string
	Target   string
}

// FinalStreamIntel is passed with the terminal callback.
type FinalStreamIntel struct {
	StreamStart       time.Time
	StreamEnd         time.Time
	SentByteCount     int64
	ReceivedByteCount int64
	HTTPStatus        int
}

// Duration returns how long the stream ran.
func (f FinalStreamIntel) Duration() time.Duration {
	return f.StreamEnd.Sub(f.StreamStart)
}

// Callbacks receive a stream's events. Nil callbacks are skipped. For one
// stream they run one at a time and in order; exactly one of OnComplete and
// OnError runs unless the stream is cancelled first.
type Callbacks struct {
	OnHeaders  func(headers ResponseHeaders, endStream bool, intel StreamIntel)
	OnData     func(data []byte, endStream bool, intel StreamIntel)
	OnComplete func(intel StreamIntel, final FinalStreamIntel)
	OnError    func(err *errs.Error, intel StreamIntel, final FinalStreamIntel)
}

// StreamPrototype collects callbacks before a stream is started.
type StreamPrototype struct {
	client    *Client
	callbacks Callbacks
}

func (p *StreamPrototype) SetOnHeaders(fn func(headers ResponseHeaders, endStream bool, intel StreamIntel)) *StreamPrototype {
	p.callbacks.OnHeaders = fn
	return p
}

func (p *StreamPrototype) SetOnData(fn func(data []byte, endStream bool, intel StreamIntel)) *StreamPrototype {
	p.callbacks.OnData = fn
	return p
}

func (p *StreamPrototype) SetOnComplete(fn func(intel StreamIntel, final FinalStreamIntel)) *StreamPrototype {
	p.callbacks.OnComplete = fn
	return p
}

func (p *StreamPrototype) SetOnError(fn func(err *errs.Error, intel StreamIntel, final FinalStreamIntel)) *StreamPrototype {
	p.callbacks.OnError = fn
	return p
}

// Start creates the stream. Its callbacks run on exec.
func (p *StreamPrototype) Start(exec executor.Executor) *Stream {
	return p.client.NewStream(p.callbacks, exec)
}
