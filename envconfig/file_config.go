package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// File is the optional TOML configuration file. Environment variables take
// precedence over anything set here.
type File struct {
	Server struct {
		Host         string   `toml:"host"`
		Origins      []string `toml:"origins"`
		NumParallel  int      `toml:"num_parallel"`
		MaxQueue     int      `toml:"max_queue"`
		CacheEntries *int     `toml:"cache_entries"`
	} `toml:"server"`

	Compile struct {
		Arch string `toml:"arch"`
	} `toml:"compile"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

var (
	fileOnce sync.Once
	file     *File
	filePath string
)

// ConfigPaths returns the candidate config file locations for this OS, most
// specific first. NVRTC_CONFIG overrides them all.
func ConfigPaths() []string {
	if p := os.Getenv("NVRTC_CONFIG"); p != "" {
		return []string{p}
	}

	var paths []string
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "nvrtc", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "nvrtc", "config.toml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".config", "nvrtc", "config.toml"))
		}
		paths = append(paths, "/etc/nvrtc/config.toml")
	}
	return paths
}

// ReadFile parses the first config file that exists. It returns nil and no
// error when there is none.
func ReadFile(paths []string) (*File, string, error) {
	for _, path := range paths {
		bts, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, "", err
		}

		var f File
		if err := toml.Unmarshal(bts, &f); err != nil {
			return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
		}
		return &f, path, nil
	}
	return nil, "", nil
}

func fileValue(key string) string {
	fileOnce.Do(func() {
		var err error
		file, filePath, err = ReadFile(ConfigPaths())
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if file != nil {
			slog.Debug("loaded config file", "path", filePath)
		}
	})

	return file.value(key)
}

func (f *File) value(key string) string {
	if f == nil {
		return ""
	}

	switch key {
	case "NVRTC_HOST":
		return f.Server.Host
	case "NVRTC_ORIGINS":
		return strings.Join(f.Server.Origins, ",")
	case "NVRTC_NUM_PARALLEL":
		if f.Server.NumParallel > 0 {
			return strconv.Itoa(f.Server.NumParallel)
		}
	case "NVRTC_MAX_QUEUE":
		if f.Server.MaxQueue > 0 {
			return strconv.Itoa(f.Server.MaxQueue)
		}
	case "NVRTC_CACHE_ENTRIES":
		if f.Server.CacheEntries != nil {
			return strconv.Itoa(*f.Server.CacheEntries)
		}
	case "NVRTC_ARCH":
		return f.Compile.Arch
	case "NVRTC_DEBUG":
		if f.Logging.Debug > 0 {
			return strconv.Itoa(f.Logging.Debug)
		}
	}
	return ""
}

// ExampleFile returns a commented example configuration.
func ExampleFile() string {
	return `# cudartc configuration file

[server]
# Address for "cudartc serve" (default: "127.0.0.1:11435")
host = "127.0.0.1:11435"
# Extra allowed CORS origins
origins = ["http://localhost:3000"]
# Compiles run at the same time (default: 1)
num_parallel = 2
# Requests waiting for a compile slot before the server answers 503 (default: 64)
max_queue = 64
# Successful compiles kept in memory (default: 128, 0 disables)
cache_entries = 128

[compile]
# Target used when a request names no architecture
arch = "sm_80"

[logging]
# 1 for debug, 2 for trace
debug = 0
`
}
