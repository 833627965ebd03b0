// throughput-test pushes concurrent streams through an engine whose proxy is
// a local forward proxy, and reports request rate and throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/engine"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/executor"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/codefionn/mobileproxy/mobileproxy-core/proxyserver"
	"github.com/codefionn/mobileproxy/mobileproxy-core/stream"
)

var (
	numStreams  = flag.Int("streams", 100, "Total number of streams to send")
	concurrency = flag.Int("concurrency", 10, "Streams in flight at once")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Response payload size in bytes")
	serial      = flag.Bool("serial", false, "Deliver all callbacks on one serial executor")
)

type result struct {
	bytes int64
	err   *errs.Error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

// runStream sends one GET and reports the received byte count.
func runStream(ctx context.Context, e *engine.Engine, headers stream.RequestHeaders, exec executor.Executor) result {
	var received atomic.Int64
	done := make(chan result, 1)

	s := e.StreamClient().NewStreamPrototype().
		SetOnData(func(data []byte, _ bool, _ stream.StreamIntel) {
			received.Add(int64(len(data)))
		}).
		SetOnComplete(func(_ stream.StreamIntel, final stream.FinalStreamIntel) {
			if final.HTTPStatus != http.StatusOK {
				done <- result{err: errs.Newf(errs.ErrCodeProtocolError, "status %d", final.HTTPStatus)}
				return
			}
			done <- result{bytes: received.Load()}
		}).
		SetOnError(func(err *errs.Error, _ stream.StreamIntel, _ stream.FinalStreamIntel) {
			done <- result{err: err}
		}).
		Start(exec)

	if err := s.SendHeaders(headers, true); err != nil {
		return result{err: errs.Ensure(err)}
	}
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		s.Cancel()
		return result{err: errs.New(errs.ErrCodeRequestCancelled, ctx.Err())}
	}
}

func main() {
	flag.Parse()
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := []byte(strings.Repeat("a", *dataSize))
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen: %v", err)
	}
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			logger.Error("Data server error: %v", err)
		}
	}()

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen: %v", err)
	}
	proxyCfg := config.DefaultListenerConfig()
	proxyCfg.TimeoutSeconds = 5
	p := proxyserver.New(proxyCfg)
	go func() {
		if err := p.StartWithListener(proxyLn); err != nil {
			logger.Error("Proxy server error: %v", err)
		}
	}()
	defer func() {
		_ = p.Stop()
	}()

	running := make(chan struct{})
	e, err := engine.NewBuilder().
		HTTP().
		SetHost("127.0.0.1").
		SetPort(proxyLn.Addr().(*net.TCPAddr).Port).
		AddLogLevel(config.LogLevelError).
		SetOnEngineRunning(func() { close(running) }).
		Build()
	if err != nil {
		logger.Fatal("Failed to build engine: %v", err)
	}
	defer e.Terminate()
	<-running
	if _, err := e.AwaitProxy(ctx); err != nil {
		logger.Fatal("Proxy did not resolve: %v", err)
	}

	var exec executor.Executor = executor.Goroutine{}
	if *serial {
		serialExec := executor.NewSerial()
		defer serialExec.Close()
		exec = serialExec
	}

	headers := stream.NewRequestHeadersBuilder(stream.MethodGet, "http", targetLn.Addr().String(), "/data").Build()
	results := make(chan result, *numStreams)
	slots := make(chan struct{}, max(*concurrency, 1))
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *numStreams; i++ {
		slots <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			results <- runStream(ctx, e, headers, exec)
		}()
	}
	wg.Wait()
	close(results)

	success, failures, total := 0, map[string]int{}, int64(0)
	for res := range results {
		if res.err != nil {
			failures[res.err.Code]++
			continue
		}
		success++
		total += res.bytes
	}
	dur := time.Since(start)

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %v\n", dur.Seconds(), success, failures)
	fmt.Printf("Streams/s: %.2f, Throughput: %.2f MB/s\n", float64(success)/dur.Seconds(), float64(total)/dur.Seconds()/1024/1024)
	snapshot := e.Snapshot()
	fmt.Printf("Engine: completed=%d failed=%d received=%d bytes, proxy forwards=%d\n",
		snapshot.CompletedStreams, snapshot.FailedStreams, snapshot.BytesReceived, p.Forwards())

	if len(failures) > 0 || ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
