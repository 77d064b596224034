package tooling

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConfigFile is the default location of the acacia configuration.
var ConfigFile = "/etc/acacia.conf"

// Config holds the raw key/value pairs read from the config file and the
// environment.
type Config struct {
	Values map[string]string
}

// loadConfig reads a KEY=VALUE config file. Missing files are not an
// error, the defaults apply. ACACIA_* environment variables override
// file values.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)

	return cfg, nil
}

// Merge ACACIA_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "ACACIA_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// initConfig derives the directory globals from the config values.
// CLI flags are applied on top by the caller.
func initConfig(cfg *Config) {
	HomeDir = cfg.Values["ACACIA_HOME"]
	if HomeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/root"
		}
		HomeDir = filepath.Join(home, ".acacia")
	}

	DistDir = cfg.Values["ACACIA_DIST_DIR"]
	if DistDir == "" {
		DistDir = "/" + DistDirName
	}

	WorkDir = cfg.Values["ACACIA_WORKDIR"]
	if WorkDir == "" {
		WorkDir = filepath.Join(HomeDir, "build")
	}

	PackageIndex = cfg.Values["ACACIA_PACKAGE_INDEX"]
	if PackageIndex == "" {
		PackageIndex = filepath.Join(DistDir, "packages.toml")
	}

	if cfg.Values["ACACIA_DEBUG"] == "1" {
		Debug = true
	}

	if v := cfg.Values["ACACIA_FETCH_TIMEOUT"]; v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			FetchTimeout = d
		} else {
			warnf("ignoring bad ACACIA_FETCH_TIMEOUT %q\n", v)
		}
	}

	DownloadsDir = filepath.Join(HomeDir, "cache", "downloads")
}
