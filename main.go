package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/interzept/interzept-srv/config"
	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/codefionn/interzept/interzept-srv/message"
	"github.com/codefionn/interzept/interzept-srv/metrics"
	"github.com/codefionn/interzept/interzept-srv/pipeline"
	"github.com/codefionn/interzept/interzept-srv/proxy"
)

var version string

func main() {
	cfg, configPath, watch := parseFlagsAndConfig()
	runProxy(cfg, configPath, watch)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string, watch bool) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	watchFlag := flag.Bool("watch", false, "Reload the configuration when the file changes")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("interzept version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting interzept proxy")
	logger.Debug("Using configuration file: %s", *configPathPtr)

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	logger.Debug("Configuration loaded successfully")
	for i, server := range cfg.Servers {
		logger.Debug("Server %d: %s (enabled=%t, nat=%t, alpn=%t)", i, server.ListenAddress(), server.Enabled, server.BehindNAT, server.AlpnEnabled)
	}
	logger.Debug("Timeout: %d seconds", cfg.TimeoutSeconds)
	logger.Debug("Max connections: %d", cfg.MaxConcurrentConnections)

	return cfg, *configPathPtr, *watchFlag
}

// accessLog logs every finished exchange.
func accessLog() pipeline.Handler {
	return pipeline.HandlerFunc("access-log", func(ctx *pipeline.Context, msg *message.Message) pipeline.Action {
		if ctx.FromClient() {
			return pipeline.Continue()
		}
		ctx.Channel().Log().Info("%s %s -> %d", msg.Request.Method, msg.Request.URI, msg.Response.StatusCode)
		return pipeline.Continue()
	})
}

type instance struct {
	proxy  *proxy.Proxy
	cancel context.CancelFunc
	done   chan error
}

func startInstance(cfg *config.Config) (*instance, error) {
	px, err := proxy.NewProxy(cfg, pipeline.New(accessLog()))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{proxy: px, cancel: cancel, done: make(chan error, 1)}
	go func() {
		inst.done <- px.Start(ctx)
	}()
	for _, s := range px.Servers() {
		logger.Info("Serving on %s", s.Addr())
	}
	return inst, nil
}

func (i *instance) stop() error {
	i.cancel()
	return <-i.done
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, configPath string, watch bool) {
	if cfg.Metrics.Enabled {
		exporter, err := metrics.NewExporter(cfg.Metrics.ListenAddress)
		if err != nil {
			logger.Fatal("Failed to start metrics exporter: %v", err)
		}
		metricsCtx, stopMetrics := context.WithCancel(context.Background())
		defer stopMetrics()
		go func() {
			if err := exporter.Serve(metricsCtx); err != nil {
				logger.Error("Metrics exporter error: %v", err)
			}
		}()
	}

	inst, err := startInstance(cfg)
	if err != nil {
		logger.Fatal("Failed to start proxy: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	reloadChan := make(chan struct{}, 1)
	if watch {
		stopWatch, err := watchConfig(configPath, reloadChan)
		if err != nil {
			logger.Error("Failed to watch %s: %v", configPath, err)
		} else {
			defer stopWatch()
		}
	}

	currentCfg := cfg
	reload := func() {
		newCfg, err := config.LoadConfig(configPath)
		if err != nil {
			logger.Error("Failed to reload config: %v (keeping current config)", err)
			return
		}
		if !config.HasChanged(currentCfg, newCfg) {
			logger.Info("Config unchanged after reload; not restarting proxy.")
			return
		}
		logger.Info("Config changed. Restarting proxy...")
		if err := inst.stop(); err != nil {
			logger.Error("Error stopping proxy for reload: %v", err)
		}
		next, err := startInstance(newCfg)
		if err != nil {
			logger.Error("Failed to start proxy with new configuration: %v (restoring previous)", err)
			next, err = startInstance(currentCfg)
			if err != nil {
				logger.Fatal("Failed to restore previous configuration: %v", err)
			}
			inst = next
			return
		}
		inst = next
		currentCfg = newCfg
		logger.Info("Proxy restarted with new configuration.")
	}

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				reload()
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				if err := inst.stop(); err != nil {
					logger.Error("Error during shutdown: %v", err)
				}
				logger.Info("Proxy server shutdown complete")
				return
			}
		case <-reloadChan:
			logger.Info("Configuration file changed: reloading configuration...")
			reload()
		case err := <-inst.done:
			logger.Fatal("Proxy server stopped unexpectedly: %v", err)
		}
	}
}

// watchConfig signals reloadChan when the configuration file changes. The
// directory is watched so editors that replace the file are noticed too.
func watchConfig(configPath string, reloadChan chan<- struct{}) (func(), error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				logger.Debug("Config file event: %s", event)
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					select {
					case reloadChan <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("Config watcher error: %v", err)
			}
		}
	}()

	logger.Info("Watching %s for changes", abs)
	return func() {
		if err := watcher.Close(); err != nil {
			logger.Debug("Error closing config watcher: %v", err)
		}
	}, nil
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimPrefix(strings.TrimSpace(key), "export ")
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(strings.TrimSpace(key), val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
