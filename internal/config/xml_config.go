// Package config provides XML-based configuration management for the monitor.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"SerialCaptureMonitor"`

	// HTTP server settings
	Server ServerConfig `xml:"Server"`

	// Serial port settings
	Serial SerialConfig `xml:"Serial"`

	// Capture routing and retention settings
	Capture CaptureConfig `xml:"Capture"`

	// Capture history archive settings
	History HistoryConfig `xml:"History"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
}

// SerialConfig contains serial port settings
type SerialConfig struct {
	DefaultBaud   int `xml:"DefaultBaud"`
	ReadTimeoutMs int `xml:"ReadTimeoutMs"`
	ChunkSize     int `xml:"ChunkSizeBytes"`
}

// CaptureConfig contains line routing and buffer settings
type CaptureConfig struct {
	OutputDirectory   string `xml:"OutputDirectory"`
	MaxBufferLines    int    `xml:"MaxBufferLines"`
	MaxPartialBytes   int    `xml:"MaxPartialLineBytes"`
	PartialFlushMs    int    `xml:"PartialFlushMs"`
	TimestampsDefault bool   `xml:"TimestampsDefault"`
	RulesFile         string `xml:"RoutingRulesFile"`
}

// HistoryConfig contains capture archive settings
type HistoryConfig struct {
	Enabled       bool   `xml:"Enabled"`
	DatabasePath  string `xml:"DatabasePath"`
	BatchSize     int    `xml:"BatchSize"`
	RetentionDays int    `xml:"RetentionDays"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	EnableRequestLogging bool `xml:"EnableRequestLogging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8090,
			BindAddress:  "127.0.0.1",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
		},
		Serial: SerialConfig{
			DefaultBaud:   115200,
			ReadTimeoutMs: 500,
			ChunkSize:     4096,
		},
		Capture: CaptureConfig{
			OutputDirectory:   "./logs",
			MaxBufferLines:    50000,
			MaxPartialBytes:   16384,
			PartialFlushMs:    2000,
			TimestampsDefault: true,
			RulesFile:         "./routing_rules.yaml",
		},
		History: HistoryConfig{
			Enabled:       true,
			DatabasePath:  "./data/capture.duckdb",
			BatchSize:     512,
			RetentionDays: 14,
		},
		Advanced: AdvancedConfig{
			EnableRequestLogging: true,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &AppConfig{}
	if err := xml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- Serial Capture Monitor Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if outDir := os.Getenv("CAPTURE_OUT_DIR"); outDir != "" {
		c.Capture.OutputDirectory = outDir
	}

	if dbPath := os.Getenv("HISTORY_DB_PATH"); dbPath != "" {
		c.History.DatabasePath = dbPath
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Capture.OutputDirectory) {
		c.Capture.OutputDirectory = filepath.Join(configDir, c.Capture.OutputDirectory)
	}
	if !filepath.IsAbs(c.History.DatabasePath) {
		c.History.DatabasePath = filepath.Join(configDir, c.History.DatabasePath)
	}
	if c.Capture.RulesFile != "" && !filepath.IsAbs(c.Capture.RulesFile) {
		c.Capture.RulesFile = filepath.Join(configDir, c.Capture.RulesFile)
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// GetOutputDir returns the absolute saved-captures directory path
func (c *AppConfig) GetOutputDir() string {
	return c.Capture.OutputDirectory
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Capture.OutputDirectory,
		filepath.Dir(c.History.DatabasePath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
