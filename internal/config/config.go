// Package config provides configuration for the streaming-client core
// service using command-line flags, environment variables and an
// optional JSON config file.
package config

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Options holds the configuration values for the service process.
type Options struct {
	// DataDir is the profile directory holding cookies, msl_data and
	// the persistent cache database.
	DataDir string

	// IPCHost is the loopback address the IPC server binds to. The
	// port is chosen by the OS unless IPCPort is non-zero.
	IPCHost string

	// IPCPort forces a fixed IPC port (0 = ask the OS).
	IPCPort int

	// LogLevel is the zap level name ("Debug", "Info", ...).
	LogLevel string

	// ESN overrides the derived device ESN when non-empty.
	ESN string

	// RequestTimeout bounds every outbound HTTP call.
	RequestTimeout time.Duration

	// RequestRetries is the retry count for connection-level errors.
	RequestRetries int

	// PathRequestSize is the item count per path request page.
	PathRequestSize int

	// PathRequestsPerCall bounds perpetual-path-request sequences.
	PathRequestsPerCall int

	// TTLGeneric, TTLMyList and TTLMetadata are the three cache TTL
	// classes.
	TTLGeneric  time.Duration
	TTLMyList   time.Duration
	TTLMetadata time.Duration

	// Config is the path to the JSON config file.
	Config string
}

// options holds the current configuration values.
var options = &Options{}

// init initializes command-line flags and sets default values.
func init() {
	flag.StringVar(&options.DataDir, "data", defaultDataDir(), "profile data directory")
	flag.StringVar(&options.IPCHost, "host", "127.0.0.1", "IPC bind address")
	flag.IntVar(&options.IPCPort, "port", 0, "IPC port (0 = free port)")
	flag.StringVar(&options.LogLevel, "log", "Info", "log level")
	flag.StringVar(&options.ESN, "esn", "", "device ESN override")
	flag.StringVar(&options.Config, "config", "", "path to config file")
	flag.StringVar(&options.Config, "c", "", "path to config file (shorthand)")

	options.RequestTimeout = 8 * time.Second
	options.RequestRetries = 3
	options.PathRequestSize = 47
	options.PathRequestsPerCall = 2
	options.TTLGeneric = 10 * time.Minute
	options.TTLMyList = time.Minute
	options.TTLMetadata = 72 * time.Hour
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".netflix-service")
}

// Parse parses command-line flags, the optional config file and
// environment variables, in that order of precedence (env wins). It
// returns a pointer to the Options struct with the final values.
func Parse() *Options {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: could not load .env file: %v", err)
	}

	flag.Parse()

	if configPath := os.Getenv("NF_CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		if _, err := os.Stat(options.Config); err == nil {
			data, err := os.ReadFile(options.Config)
			if err != nil {
				log.Fatalf("error while reading config file: %v", err)
			}
			if err := json.Unmarshal(data, options); err != nil {
				log.Fatalf("error while parsing config file: %v", err)
			}
		}
	}

	if dir := os.Getenv("NF_DATA_DIR"); dir != "" {
		options.DataDir = dir
	}
	if host := os.Getenv("NF_IPC_HOST"); host != "" {
		options.IPCHost = host
	}
	if port := os.Getenv("NF_IPC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			options.IPCPort = p
		} else {
			log.Printf("invalid NF_IPC_PORT %q, keeping %d", port, options.IPCPort)
		}
	}
	if esn := os.Getenv("NF_ESN"); esn != "" {
		options.ESN = esn
	}
	if lvl := os.Getenv("NF_LOG_LEVEL"); lvl != "" {
		options.LogLevel = lvl
	}

	return options
}
