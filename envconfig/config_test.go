package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/cudartc/logutil"
)

func TestConfig(t *testing.T) {
	t.Setenv("NVRTC_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	require.Equal(t, slog.LevelInfo, LogLevel)
	t.Setenv("NVRTC_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("NVRTC_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
	require.Equal(t, slog.LevelDebug, LogLevel)
	t.Setenv("NVRTC_DEBUG", "2")
	LoadConfig()
	require.Equal(t, logutil.LevelTrace, LogLevel)
	t.Setenv("NVRTC_ARCH", "sm_90")
	LoadConfig()
	require.Equal(t, "sm_90", Arch)
}

func TestLimits(t *testing.T) {
	t.Setenv("NVRTC_NUM_PARALLEL", "")
	t.Setenv("NVRTC_MAX_QUEUE", "")
	t.Setenv("NVRTC_CACHE_ENTRIES", "")
	LoadConfig()
	assert.Equal(t, 1, NumParallel)
	assert.Equal(t, 64, MaxQueuedRequests)
	assert.Equal(t, 128, CacheEntries)

	t.Setenv("NVRTC_NUM_PARALLEL", "4")
	t.Setenv("NVRTC_MAX_QUEUE", "-3")
	t.Setenv("NVRTC_CACHE_ENTRIES", "0")
	LoadConfig()
	assert.Equal(t, 4, NumParallel)
	assert.Equal(t, 64, MaxQueuedRequests)
	assert.Equal(t, 0, CacheEntries)
}

func TestHost(t *testing.T) {
	cases := map[string]struct {
		value  string
		expect string
		err    error
	}{
		"empty":              {value: "", expect: "127.0.0.1:11435"},
		"only address":       {value: "1.2.3.4", expect: "1.2.3.4:11435"},
		"only port":          {value: ":1234", expect: ":1234"},
		"address and port":   {value: "1.2.3.4:1234", expect: "1.2.3.4:1234"},
		"hostname":           {value: "example.com", expect: "example.com:11435"},
		"scheme":             {value: "http://example.com:80", expect: "example.com:80"},
		"too large port":     {value: ":66000", err: ErrInvalidHostPort},
		"ipv6 localhost":     {value: "[::1]", expect: "[::1]:11435"},
		"ipv6 + port":        {value: "[::1]:1337", expect: "[::1]:1337"},
		"extra space":        {value: " 1.2.3.4 ", expect: "1.2.3.4:11435"},
		"extra space+quotes": {value: " \" 1.2.3.4 \" ", expect: "1.2.3.4:11435"},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("NVRTC_HOST", tt.value)

			host, err := getHost()
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expect, host)
		})
	}
}

func TestOrigins(t *testing.T) {
	t.Setenv("NVRTC_ORIGINS", "https://example.com,app://*")
	LoadConfig()
	assert.Contains(t, AllowOrigins, "https://example.com")
	assert.Contains(t, AllowOrigins, "app://*")
	assert.Contains(t, AllowOrigins, "http://localhost:*")
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(ExampleFile()), 0o600))

	f, got, err := ReadFile([]string{filepath.Join(dir, "missing.toml"), path})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, path, got)
	assert.Equal(t, "127.0.0.1:11435", f.value("NVRTC_HOST"))
	assert.Equal(t, "2", f.value("NVRTC_NUM_PARALLEL"))
	assert.Equal(t, "128", f.value("NVRTC_CACHE_ENTRIES"))
	assert.Equal(t, "sm_80", f.value("NVRTC_ARCH"))
	assert.Empty(t, f.value("NVRTC_DEBUG"))

	f, _, err = ReadFile([]string{filepath.Join(dir, "missing.toml")})
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Empty(t, f.value("NVRTC_HOST"))

	require.NoError(t, os.WriteFile(path, []byte("[server\n"), 0o600))
	_, _, err = ReadFile([]string{path})
	assert.ErrorContains(t, err, "error parsing config file")
}

func TestExampleFile(t *testing.T) {
	example := ExampleFile()
	assert.Contains(t, example, `"cudartc serve"`)
	assert.NotContains(t, example, `"nvrtc serve"`)
	for _, name := range []string{"host", "num_parallel", "cache_entries", "arch"} {
		assert.Contains(t, example, name+" = ")
	}
}

func TestNames(t *testing.T) {
	names := Names()
	assert.IsIncreasing(t, names)
	assert.Contains(t, names, "NVRTC_HOST")
}
