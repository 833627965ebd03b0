package main

import (
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/armon/go-socks5"
	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/codefionn/mobileproxy/mobileproxy-core/proxyserver"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	listen       string
	socks5Listen string
	blocked      []string
	watch        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local forward proxy",
	Long: `Run an HTTP forward proxy (plain forwarding and CONNECT) and optionally a
SOCKS5 proxy. Point the engine at them to try proxied routing locally.

SIGHUP reloads the configuration; with --watch the config file is reloaded
whenever it changes. The listener restarts only when its settings changed.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVar(&serveFlags.listen, "listen", "", "HTTP proxy listen address (overrides the config)")
	f.StringVar(&serveFlags.socks5Listen, "socks5-listen", "", "SOCKS5 proxy listen address, empty to disable")
	f.StringSliceVar(&serveFlags.blocked, "block", nil, "domains to reject, subdomains included")
	f.BoolVar(&serveFlags.watch, "watch", false, "reload the config file when it changes")
}

func listenerConfig(cfg *config.Config) config.ListenerConfig {
	listener := cfg.Listener
	if serveFlags.listen != "" {
		listener.ListenAddress = serveFlags.listen
	}
	return listener
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel.LoggerLevel())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	serverErr := make(chan error, 1)
	start := func(listener config.ListenerConfig) *proxyserver.Server {
		server := proxyserver.New(listener, proxyserver.WithBlockedDomains(serveFlags.blocked))
		go func() {
			if err := server.Start(); err != nil {
				serverErr <- err
			}
		}()
		return server
	}

	current := listenerConfig(cfg)
	server := start(current)

	if serveFlags.socks5Listen != "" {
		socksListener, err := startSOCKS5(serveFlags.socks5Listen)
		if err != nil {
			_ = server.Stop()
			return err
		}
		defer func() {
			if err := socksListener.Close(); err != nil {
				logger.Error("Error closing SOCKS5 listener: %v", err)
			}
		}()
	}

	reloads := make(chan *config.Config, 1)
	if serveFlags.watch && cfgFile != "" {
		watcher, err := config.Watch(cfgFile, 500*time.Millisecond, func(newCfg *config.Config) {
			select {
			case reloads <- newCfg:
			default:
			}
		})
		if err != nil {
			logger.Warn("Config watching disabled: %v", err)
		} else {
			defer func() {
				if err := watcher.Stop(); err != nil {
					logger.Error("Error stopping config watcher: %v", err)
				}
			}()
		}
	}

	restart := func(newCfg *config.Config) {
		logger.SetLevel(newCfg.LogLevel.LoggerLevel())
		next := listenerConfig(newCfg)
		if next == current {
			logger.Info("Listener settings unchanged; not restarting proxy")
			return
		}
		logger.Info("Listener settings changed, restarting proxy on %s", next.ListenAddress)
		if err := server.Stop(); err != nil {
			logger.Error("Error stopping proxy for reload: %v", err)
		}
		server = start(next)
		current = next
	}

	for {
		select {
		case err := <-serverErr:
			return err
		case newCfg := <-reloads:
			logger.Info("Config file changed, reloading")
			restart(newCfg)
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				newCfg, err := config.LoadConfig(cfgFile)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				restart(newCfg)
			default:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				if err := server.Stop(); err != nil {
					logger.Error("Error during shutdown: %v", err)
				}
				logger.Info("Proxy server shutdown complete")
				return nil
			}
		}
	}
}

// startSOCKS5 serves SOCKS5 on addr until the returned listener is closed.
func startSOCKS5(addr string) (net.Listener, error) {
	server, err := socks5.New(&socks5.Config{
		Logger: log.New(logWriter{}, "", 0),
	})
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	logger.Info("Starting SOCKS5 proxy on %s", listener.Addr())
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("SOCKS5 proxy stopped: %v", err)
		}
	}()
	return listener, nil
}

// logWriter feeds a standard library logger into the package logger.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logger.Debug("socks5: %s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
