package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/engine"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/codefionn/mobileproxy/mobileproxy-core/stream"
	"github.com/spf13/cobra"
)

var requestFlags struct {
	method         string
	headers        []string
	data           string
	include        bool
	proxyHost      string
	proxyPort      int
	https          bool
	socks5         bool
	systemProxy    bool
	dnsTimeout     int
	connectTimeout int
	awaitProxy     bool
	timeout        time.Duration
	dumpStats      bool
}

var requestCmd = &cobra.Command{
	Use:   "request URL",
	Short: "Send one request through the engine",
	Long: `Build an engine, send a single request and print the response body.

The proxy comes from --proxy-host/--proxy-port, the config file, or with
--system-proxy from the HTTPS_PROXY/HTTP_PROXY environment variables.

Examples:
  mobileproxy request https://example.com/ --proxy-host proxy.local --proxy-port 3128 --https
  mobileproxy request http://example.com/ -X POST -d 'hello' -H 'Content-Type: text/plain'`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	rootCmd.AddCommand(requestCmd)

	f := requestCmd.Flags()
	f.StringVarP(&requestFlags.method, "request", "X", "GET", "request method")
	f.StringArrayVarP(&requestFlags.headers, "header", "H", nil, "request header 'Name: value', repeatable")
	f.StringVarP(&requestFlags.data, "data", "d", "", "request body")
	f.BoolVarP(&requestFlags.include, "include", "i", false, "print response headers")
	f.StringVar(&requestFlags.proxyHost, "proxy-host", "", "proxy host")
	f.IntVar(&requestFlags.proxyPort, "proxy-port", 0, "proxy port")
	f.BoolVar(&requestFlags.https, "https", false, "proxy https traffic instead of http")
	f.BoolVar(&requestFlags.socks5, "socks5", false, "speak SOCKS5 to the proxy")
	f.BoolVar(&requestFlags.systemProxy, "system-proxy", false, "use the proxy from the environment")
	f.IntVar(&requestFlags.dnsTimeout, "dns-timeout", 0, "proxy host resolution timeout in seconds")
	f.IntVar(&requestFlags.connectTimeout, "connect-timeout", 0, "connect timeout in seconds")
	f.BoolVar(&requestFlags.awaitProxy, "await-proxy", true, "wait for the proxy host to resolve before sending")
	f.DurationVar(&requestFlags.timeout, "timeout", time.Minute, "overall timeout")
	f.BoolVar(&requestFlags.dumpStats, "stats", false, "print engine statistics to stderr afterwards")
}

func runRequest(cmd *cobra.Command, args []string) error {
	headers, err := requestHeaders(args[0], requestFlags.method, requestFlags.headers)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, requestFlags.timeout)
	defer cancel()

	running := make(chan struct{})
	b := engineBuilder(cmd, cfg).SetOnEngineRunning(func() { close(running) })
	e, err := b.Build()
	if err != nil {
		return err
	}
	defer e.Terminate()

	select {
	case <-running:
	case <-ctx.Done():
		return ctx.Err()
	}

	if requestFlags.awaitProxy {
		if state, ok := e.ProxyState(); ok {
			logger.Debug("Waiting for proxy host resolution (%s)", state)
			if state, err = e.AwaitProxy(ctx); err != nil {
				return err
			}
			logger.Info("Proxy resolution: %s", state)
		}
	}

	err = sendRequest(ctx, e, headers, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if requestFlags.dumpStats {
		if dump, dumpErr := e.DumpStats(); dumpErr == nil {
			fmt.Fprint(cmd.ErrOrStderr(), dump)
		}
	}
	return err
}

func engineBuilder(cmd *cobra.Command, cfg *config.Config) *engine.Builder {
	b := engine.FromConfig(cfg)
	flags := cmd.Flags()
	if flags.Changed("proxy-host") {
		b.SetHost(requestFlags.proxyHost)
	}
	if flags.Changed("proxy-port") {
		b.SetPort(requestFlags.proxyPort)
	}
	if requestFlags.https {
		b.HTTPS()
	}
	if requestFlags.socks5 {
		b.SetProxyProtocol(config.ProxyProtocolSOCKS5)
	}
	if requestFlags.systemProxy {
		b.EnableProxying(true)
	}
	if flags.Changed("dns-timeout") {
		b.AddDNSQueryTimeoutSeconds(requestFlags.dnsTimeout)
	}
	if flags.Changed("connect-timeout") {
		b.AddConnectTimeoutSeconds(requestFlags.connectTimeout)
	}
	b.SetEventTracker(func(event map[string]string) {
		logger.Debug("Engine event: %v", event)
	})
	return b
}

func sendRequest(ctx context.Context, e *engine.Engine, headers stream.RequestHeaders, stdout, stderr io.Writer) error {
	done := make(chan error, 1)
	callbacks := stream.Callbacks{
		OnHeaders: func(h stream.ResponseHeaders, endStream bool, intel stream.StreamIntel) {
			logger.Debug("Response via %s (%s)", intel.Listener, intel.Target)
			if !requestFlags.include {
				return
			}
			for _, header := range h.All() {
				fmt.Fprintf(stdout, "%s: %s\n", header.Name, header.Value)
			}
			fmt.Fprintln(stdout)
		},
		OnData: func(data []byte, endStream bool, _ stream.StreamIntel) {
			if _, err := stdout.Write(data); err != nil {
				logger.Error("Failed to write response body: %v", err)
			}
		},
		OnComplete: func(_ stream.StreamIntel, final stream.FinalStreamIntel) {
			logger.Info("Completed with status %d in %s (%d bytes received)", final.HTTPStatus, final.Duration(), final.ReceivedByteCount)
			done <- nil
		},
		OnError: func(err *errs.Error, _ stream.StreamIntel, final stream.FinalStreamIntel) {
			fmt.Fprintf(stderr, "request failed after %s: %v\n", final.Duration(), err)
			done <- err
		},
	}

	s := e.StreamClient().NewStream(callbacks, nil)
	hasBody := requestFlags.data != ""
	if err := s.SendHeaders(headers, !hasBody); err != nil {
		return err
	}
	if hasBody {
		if err := s.Close([]byte(requestFlags.data)); err != nil {
			return err
		}
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.Cancel()
		return ctx.Err()
	}
}

// requestHeaders turns a URL, method and "Name: value" header flags into
// stream request headers.
func requestHeaders(rawURL, method string, headerFlags []string) (stream.RequestHeaders, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return stream.RequestHeaders{}, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return stream.RequestHeaders{}, fmt.Errorf("url %q needs a scheme and host", rawURL)
	}

	b := stream.NewRequestHeadersBuilder(stream.RequestMethod(strings.ToUpper(method)), u.Scheme, u.Host, u.RequestURI())
	for _, raw := range headerFlags {
		name, value, err := parseHeaderFlag(raw)
		if err != nil {
			return stream.RequestHeaders{}, err
		}
		b.Add(name, value)
	}
	return b.Build(), nil
}

func parseHeaderFlag(raw string) (string, string, error) {
	name, value, ok := strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("header must look like 'Name: value', got %q", raw)
	}
	return name, strings.TrimSpace(value), nil
}
