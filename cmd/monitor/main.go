package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/esp-monitor/backend/internal/api"
	"github.com/esp-monitor/backend/internal/capture"
	"github.com/esp-monitor/backend/internal/config"
	"github.com/esp-monitor/backend/internal/history"
	"github.com/esp-monitor/backend/internal/serialport"
	"github.com/esp-monitor/backend/internal/session"
	"github.com/esp-monitor/backend/internal/storage"
	"github.com/esp-monitor/backend/internal/web"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "monitor",
		Short: "Dual-pane serial capture monitor",
		Long: "Opens a serial device, routes received lines into Debug and Log panes,\n" +
			"serves a live browser view, and saves captured output to files.",
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to XML config (default: beside the executable)")

	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "List present serial devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serialport.List()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("no serial devices found")
				return nil
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("monitor %s (built %s)\n", Version, BuildTime)
		},
	}

	root.AddCommand(serveCmd, portsCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	if configPath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
		configPath = filepath.Join(filepath.Dir(exePath), "SerialCaptureMonitor.config")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	// Classification: ANSI-coded lines go to the Log pane, plain lines to
	// Debug, with optional prefix rules layered on top.
	classifier := capture.NewClassifier()
	if err := classifier.LoadRulesFile(cfg.Capture.RulesFile); err != nil {
		fmt.Printf("Warning: failed to load routing rules: %v\n", err)
	}

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.NewStore(cfg.History.DatabasePath, cfg.History.BatchSize)
		if err != nil {
			fmt.Printf("Warning: capture history disabled: %v\n", err)
		} else {
			defer hist.Close()
		}
	}

	var archive capture.Archive
	if hist != nil {
		archive = hist
	}
	router := capture.NewRouter(classifier, archive, capture.Options{
		MaxBufferLines:  cfg.Capture.MaxBufferLines,
		MaxPartialBytes: cfg.Capture.MaxPartialBytes,
		PartialMaxAge:   time.Duration(cfg.Capture.PartialFlushMs) * time.Millisecond,
	})
	router.SetTimestamps(cfg.Capture.TimestampsDefault)

	fileStore, err := storage.NewLocalStore(cfg.GetOutputDir())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	manager := session.NewManager(router, session.Options{
		ReadTimeout: time.Duration(cfg.Serial.ReadTimeoutMs) * time.Millisecond,
		ChunkSize:   cfg.Serial.ChunkSize,
	})

	// Background flusher so a trailing unterminated line still renders.
	stopFlusher := make(chan struct{})
	defer close(stopFlusher)
	go manager.RunPartialFlusher(time.Duration(cfg.Capture.PartialFlushMs)*time.Millisecond, stopFlusher)

	// Periodic history pruning.
	if hist != nil && cfg.History.RetentionDays > 0 {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				if err := hist.Prune(time.Duration(cfg.History.RetentionDays) * 24 * time.Hour); err != nil {
					fmt.Printf("Warning: history prune failed: %v\n", err)
				}
			}
		}()
	}

	h := api.NewHandler(manager, router, fileStore, hist)
	wsHandler := api.NewWebSocketHandler(router, h)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return path == "/api/health" || path == "/api/session" ||
				strings.Contains(path, "/ws/")
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	api.RegisterRoutes(e, h, wsHandler)

	if web.HasEmbeddedFiles() {
		if err := web.RegisterStaticRoutes(e); err != nil {
			fmt.Printf("Warning: failed to register static routes: %v\n", err)
		}
	}

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	fmt.Printf("\nSerial Capture Monitor %s\n", Version)
	fmt.Printf("  Config:  %s\n", configPath)
	fmt.Printf("  Listen:  http://%s\n", cfg.GetServerAddr())
	fmt.Printf("  Output:  %s\n\n", cfg.GetOutputDir())

	return e.StartServer(s)
}
