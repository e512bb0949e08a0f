// Package terminal loads the server configuration from the environment and
// owns the operator-facing startup output.
package terminal

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
)

// Config holds everything the server consumes at startup.
type Config struct {
	RootDirectory string
	BindHost      string
	BindPort      int
	UsersFile     string
	AuthDisabled  bool
	DataPortStart int
	DataPortEnd   int
	MetricsAddr   string
	BannerDelay   bool
}

// Default passive-mode port pool.
const (
	DefaultDataPortStart = 10000
	DefaultDataPortEnd   = 10009
)

// LoadConfig reads the environment. ROOT_DIRECTORY, BIND_HOST and BIND_PORT
// are required; USERS_FILE is required unless AUTH_DISABLED=1.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DataPortStart: DefaultDataPortStart,
		DataPortEnd:   DefaultDataPortEnd,
		MetricsAddr:   os.Getenv("METRICS_ADDR"),
		AuthDisabled:  os.Getenv("AUTH_DISABLED") == "1",
		BannerDelay:   os.Getenv("FTPD_BANNER_DELAY") == "1",
		UsersFile:     os.Getenv("USERS_FILE"),
	}

	var err error
	if cfg.RootDirectory, err = requireEnv("ROOT_DIRECTORY"); err != nil {
		return nil, err
	}
	if cfg.BindHost, err = requireEnv("BIND_HOST"); err != nil {
		return nil, err
	}
	portStr, err := requireEnv("BIND_PORT")
	if err != nil {
		return nil, err
	}
	if cfg.BindPort, err = parsePort("BIND_PORT", portStr); err != nil {
		return nil, err
	}
	if v := os.Getenv("DATA_PORT_START"); v != "" {
		if cfg.DataPortStart, err = parsePort("DATA_PORT_START", v); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("DATA_PORT_END"); v != "" {
		if cfg.DataPortEnd, err = parsePort("DATA_PORT_END", v); err != nil {
			return nil, err
		}
	}
	if !cfg.AuthDisabled && cfg.UsersFile == "" {
		return nil, fmt.Errorf("specify USERS_FILE or set AUTH_DISABLED=1")
	}
	return cfg, nil
}

// ValidateConfig rejects combinations the server cannot start with.
func ValidateConfig(cfg *Config) error {
	info, err := os.Stat(cfg.RootDirectory)
	if err != nil {
		return fmt.Errorf("root directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root directory %s: not a directory", cfg.RootDirectory)
	}
	if cfg.DataPortStart > cfg.DataPortEnd {
		return fmt.Errorf("data port pool %d-%d is empty", cfg.DataPortStart, cfg.DataPortEnd)
	}
	return nil
}

func requireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("specify %s", name)
	}
	return v, nil
}

func parsePort(name, v string) (int, error) {
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%s: invalid port %q", name, v)
	}
	return port, nil
}

// PrintStartupInfo writes the startup banner.
func PrintStartupInfo(cfg *Config) {
	header := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgYellow)

	header.Println("=== FTP Server ===")
	fmt.Printf("%s %s:%d\n", label.Sprint("Control:"), cfg.BindHost, cfg.BindPort)
	fmt.Printf("%s %d-%d\n", label.Sprint("Data ports:"), cfg.DataPortStart, cfg.DataPortEnd)
	fmt.Printf("%s %s\n", label.Sprint("Root:"), cfg.RootDirectory)
	if cfg.AuthDisabled {
		fmt.Printf("%s disabled\n", label.Sprint("Auth:"))
	} else {
		fmt.Printf("%s %s\n", label.Sprint("Auth:"), cfg.UsersFile)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("%s http://%s/metrics\n", label.Sprint("Metrics:"), cfg.MetricsAddr)
	}
}

// HandleStartupError reports a fatal startup failure and exits non-zero.
func HandleStartupError(err error, action string) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "Failed to %s: %v\n", action, err)
	os.Exit(1)
}
