package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/ollama/cudartc/logutil"
)

const defaultPort = "11435"

var ErrInvalidHostPort = errors.New("invalid port specified in NVRTC_HOST")

var (
	// Set via NVRTC_ORIGINS in the environment
	AllowOrigins []string
	// Set via NVRTC_ARCH in the environment
	Arch string
	// Set via NVRTC_CACHE_ENTRIES in the environment
	CacheEntries int
	// Set via NVRTC_DEBUG in the environment
	Debug bool
	// Set via NVRTC_HOST in the environment
	Host string
	// Derived from NVRTC_DEBUG; 2 or more enables trace logging
	LogLevel slog.Level
	// Set via NVRTC_MAX_QUEUE in the environment
	MaxQueuedRequests int
	// Set via NVRTC_NUM_PARALLEL in the environment
	NumParallel int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"NVRTC_ARCH":          {"NVRTC_ARCH", Arch, "Default target architecture when none is requested (e.g. sm_80)"},
		"NVRTC_CACHE_ENTRIES": {"NVRTC_CACHE_ENTRIES", CacheEntries, "Compiled artifacts kept by the server (default 128, 0 disables)"},
		"NVRTC_DEBUG":         {"NVRTC_DEBUG", Debug, "Show additional debug information (e.g. NVRTC_DEBUG=1, 2 for trace)"},
		"NVRTC_HOST":          {"NVRTC_HOST", Host, "IP Address for the compile server (default 127.0.0.1:11435)"},
		"NVRTC_MAX_QUEUE":     {"NVRTC_MAX_QUEUE", MaxQueuedRequests, "Maximum number of queued compile requests (default 64)"},
		"NVRTC_NUM_PARALLEL":  {"NVRTC_NUM_PARALLEL", NumParallel, "Maximum number of parallel compiles (default 1)"},
		"NVRTC_ORIGINS":       {"NVRTC_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
	}
}

// Names returns the configuration keys in sorted order.
func Names() []string {
	names := maps.Keys(AsMap())
	sort.Strings(names)
	return names
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value. The config file is consulted when
// the environment does not set key.
func clean(key string) string {
	if v := strings.Trim(os.Getenv(key), "\"' "); v != "" {
		return v
	}
	return strings.Trim(fileValue(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	LogLevel = slog.LevelInfo
	if debug := clean("NVRTC_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug = n > 0
			if n > 1 {
				LogLevel = logutil.LevelTrace
			} else if n == 1 {
				LogLevel = slog.LevelDebug
			}
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
			if d {
				LogLevel = slog.LevelDebug
			}
		} else {
			Debug = true
			LogLevel = slog.LevelDebug
		}
	}

	host, err := getHost()
	if err != nil {
		slog.Error("invalid setting, using default", "NVRTC_HOST", clean("NVRTC_HOST"), "error", err)
		host = net.JoinHostPort("127.0.0.1", defaultPort)
	}
	Host = host

	Arch = clean("NVRTC_ARCH")

	NumParallel = positiveInt("NVRTC_NUM_PARALLEL", 1)
	MaxQueuedRequests = positiveInt("NVRTC_MAX_QUEUE", 64)

	CacheEntries = 128
	if entries := clean("NVRTC_CACHE_ENTRIES"); entries != "" {
		n, err := strconv.Atoi(entries)
		if err != nil || n < 0 {
			slog.Error("invalid setting", "NVRTC_CACHE_ENTRIES", entries, "error", err)
		} else {
			CacheEntries = n
		}
	}

	AllowOrigins = nil
	if origins := clean("NVRTC_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

func positiveInt(key string, def int) int {
	s := clean(key)
	if s == "" {
		return def
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		slog.Error("invalid setting must be greater than zero", key, s, "error", err)
		return def
	}
	return n
}

// getHost returns NVRTC_HOST as host:port, filling in the default host and port.
func getHost() (string, error) {
	defaultHost := "127.0.0.1"
	s := clean("NVRTC_HOST")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "http://"), "https://")

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = defaultHost, defaultPort
		if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
			host = ip.String()
		} else if s != "" {
			host = s
		}
	} else if host == "" && port == "" {
		host, port = defaultHost, defaultPort
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return "", ErrInvalidHostPort
	}

	return net.JoinHostPort(host, port), nil
}
