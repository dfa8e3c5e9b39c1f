package server

import "time"

// Config holds server configuration settings
type Config struct {
	Host           string        // Server host address
	Port           int           // Server port
	DataDir        string        // Database data directory - where all database files are stored
	BufferSize     int           // Buffer pool size in pages (1 page = 4KB). Default: 1000 pages (~4MB)
	ReadTimeout    time.Duration // HTTP read timeout
	WriteTimeout   time.Duration // HTTP write timeout
	IdleTimeout    time.Duration // HTTP idle timeout
	MaxRequestSize int64         // Maximum request body size in bytes
	EnableCORS     bool          // Enable CORS middleware
	AllowedOrigins []string      // CORS allowed origins
	AllowedMethods []string      // CORS allowed methods
	AllowedHeaders []string      // CORS allowed headers
	EnableLogging  bool          // Enable request logging
	LogFormat      string        // Log format (text or json)

	// Deadlock detector configuration
	DetectionInterval time.Duration // How often the background detector scans for cycles

	// Slow lock wait log configuration
	SlowLockWaitThreshold time.Duration // Minimum wait duration that gets logged

	// TLS/SSL configuration
	EnableTLS   bool   // Enable TLS/SSL
	TLSCertFile string // Path to TLS certificate file
	TLSKeyFile  string // Path to TLS private key file
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:                  "localhost",
		Port:                  8080,
		DataDir:               "./data",
		BufferSize:            1000, // 1000 pages = ~4MB buffer pool
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		MaxRequestSize:        10 * 1024 * 1024, // 10MB
		EnableCORS:            true,
		AllowedOrigins:        []string{"*"},
		AllowedMethods:        []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:        []string{"Content-Type", "Authorization", "X-Request-ID"},
		EnableLogging:         true,
		LogFormat:             "text",
		DetectionInterval:     50 * time.Millisecond,
		SlowLockWaitThreshold: 100 * time.Millisecond,
		EnableTLS:             false, // TLS disabled by default
		TLSCertFile:           "",
		TLSKeyFile:            "",
	}
}
