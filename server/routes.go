package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/cudartc/api"
	"github.com/ollama/cudartc/envconfig"
	"github.com/ollama/cudartc/logutil"
	"github.com/ollama/cudartc/nvrtc"
)

var errQueueFull = errors.New("server busy, please try again. maximum pending requests exceeded")

// Server compiles programs on behalf of HTTP clients. Each request gets its
// own Program; at most NVRTC_NUM_PARALLEL compiles run at once.
type Server struct {
	addr net.Addr

	compiler *nvrtc.Compiler
	// loadErr is reported when compiler is nil
	loadErr error

	sem      *semaphore.Weighted
	waiting  atomic.Int64
	maxQueue int64

	cache *artifactCache

	// exit ends the process after a native program could not be destroyed
	exit func(code int)
}

// NewServer returns a server backed by compiler. A nil compiler makes every
// compile endpoint answer 501 with loadErr.
func NewServer(compiler *nvrtc.Compiler, loadErr error) *Server {
	if compiler == nil && loadErr == nil {
		loadErr = nvrtc.ErrNotBuilt
	}

	return &Server{
		compiler: compiler,
		loadErr:  loadErr,
		sem:      semaphore.NewWeighted(int64(envconfig.NumParallel)),
		maxQueue: int64(envconfig.MaxQueuedRequests),
		cache:    newArtifactCache(envconfig.CacheEntries),
		exit:     os.Exit,
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With", "X-Request-Id"}
	config.ExposeHeaders = []string{"X-Request-Id"}
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.New()
	r.Use(
		gin.Recovery(),
		cors.New(config),
		requestID(),
		s.exitOnDestroyFailure(),
		logRequests(),
	)

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "nvrtc is running") })
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "nvrtc is running") })

	r.POST("/api/compile", s.CompileHandler)
	r.GET("/api/version", s.VersionHandler)
	r.GET("/api/archs", s.ArchsHandler)

	return r
}

const requestIDKey = "request_id"

// requestID keeps a caller supplied X-Request-Id if it is a UUID and
// assigns one otherwise.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}

		c.Set(requestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// exitOnDestroyFailure stops the server when a handler panics because the
// library could not destroy a program. It sits inside gin.Recovery, which
// must never see that panic. Other panics pass through untouched.
func (s *Server) exitOnDestroyFailure() gin.HandlerFunc {
	return func(c *gin.Context) {
		derr := exceptions.TryCatch[*nvrtc.DestroyError](c.Next)
		if derr == nil {
			return
		}

		slog.Error("native program leaked, exiting", "id", c.GetString(requestIDKey), "program", derr.Name, "error", derr.Err)
		s.exit(exitDestroyFailure)
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}

// exitDestroyFailure is the process exit code after a failed destroy.
const exitDestroyFailure = 2

func logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("request",
			"id", c.GetString(requestIDKey),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// respond writes v as CBOR when the client asked for it, JSON otherwise.
func respond(c *gin.Context, code int, v any) {
	if strings.Contains(c.GetHeader("Accept"), api.MediaTypeCBOR) {
		bts, err := cbor.Marshal(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(code, api.MediaTypeCBOR, bts)
		return
	}

	c.JSON(code, v)
}

func abort(c *gin.Context, code int, err error) {
	h := gin.H{"error": err.Error()}
	var nerr *nvrtc.Error
	if errors.As(err, &nerr) {
		h["kind"] = nerr.Kind.String()
	}

	respond(c, code, h)
	c.Abort()
}

// statusCode maps compiler errors to HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, nvrtc.ErrCompilation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, nvrtc.ErrNotBuilt):
		return http.StatusNotImplemented
	case errors.Is(err, errQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, nvrtc.ErrHeaderMismatch),
		errors.Is(err, nvrtc.ErrInvalidOption),
		errors.Is(err, nvrtc.ErrInvalidInput),
		errors.Is(err, nvrtc.ErrNameExpressionNotValid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) CompileHandler(c *gin.Context) {
	var req api.CompileRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		abort(c, http.StatusBadRequest, errors.New("missing request body"))
		return
	} else if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if req.Source == "" {
		abort(c, http.StatusBadRequest, errors.New("source is required"))
		return
	}

	if s.compiler == nil {
		abort(c, http.StatusNotImplemented, s.loadErr)
		return
	}

	options, err := compileOptions(&req)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	key := cacheKey(&req, options)
	if resp, ok := s.cache.Get(key); ok {
		slog.Debug("serving cached artifact", "id", c.GetString(requestIDKey), "name", resp.Name)
		respond(c, http.StatusOK, resp)
		return
	}

	if err := s.acquire(c.Request.Context()); err != nil {
		if errors.Is(err, context.Canceled) {
			c.Abort()
			return
		}
		abort(c, statusCode(err), err)
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	resp, err := Compile(s.compiler, &req, options)
	if resp != nil {
		resp.TotalDuration = time.Since(start)
	}

	if err != nil {
		var log string
		if resp != nil {
			log = resp.Log
		}
		slog.Debug("compile failed", "id", c.GetString(requestIDKey), "name", req.Name, "error", err, "log", logutil.Excerpt{Text: log, Lines: 5})
		if resp == nil {
			abort(c, statusCode(err), err)
			return
		}

		resp.Error = err.Error()
		var nerr *nvrtc.Error
		if errors.As(err, &nerr) {
			resp.Kind = nerr.Kind.String()
		}
		respond(c, statusCode(err), resp)
		return
	}

	s.cache.Put(key, resp)
	respond(c, http.StatusOK, resp)
}

// acquire waits for a compile slot unless too many requests are already
// waiting.
func (s *Server) acquire(ctx context.Context) error {
	if s.waiting.Add(1) > s.maxQueue {
		s.waiting.Add(-1)
		return errQueueFull
	}
	defer s.waiting.Add(-1)

	return s.sem.Acquire(ctx, 1)
}

// compileOptions merges the typed options map, the default architecture and
// the verbatim options, in that order.
func compileOptions(req *api.CompileRequest) ([]string, error) {
	var options []string
	if len(req.OptionsMap) > 0 {
		opts, err := nvrtc.DecodeOptions(req.OptionsMap)
		if err != nil {
			return nil, err
		}
		options = opts.Flags()
	}

	options = append(options, req.Options...)
	if envconfig.Arch != "" && !nvrtc.HasArch(options) {
		options = append([]string{"--gpu-architecture=" + envconfig.Arch}, options...)
	}
	return options, nil
}

// Compile runs one program through its whole lifecycle. A non-nil response
// with a non-nil error means compilation failed and the response holds the log.
func Compile(compiler *nvrtc.Compiler, req *api.CompileRequest, options []string) (*api.CompileResponse, error) {
	headers := make([]nvrtc.Header, len(req.Headers))
	for i, h := range req.Headers {
		headers[i] = nvrtc.Header{Name: h.Name, Source: h.Source}
	}

	prog, err := compiler.NewProgramWithHeaders(req.Source, req.Name, headers)
	if err != nil {
		return nil, err
	}
	defer prog.Destroy()

	for _, expr := range req.NameExpressions {
		if err := prog.AddNameExpression(expr); err != nil {
			return nil, fmt.Errorf("name expression %q: %w", expr, err)
		}
	}

	compileErr := prog.Compile(options...)

	log, err := prog.Log()
	if err != nil {
		return nil, err
	}

	resp := &api.CompileResponse{Name: prog.Name(), Log: log}
	if compileErr != nil {
		return resp, compileErr
	}

	if resp.PTX, err = prog.PTX(); err != nil {
		return nil, err
	}

	if req.CUBIN {
		if resp.CUBIN, err = prog.CUBIN(); err != nil {
			return nil, err
		}
	}

	if len(req.NameExpressions) > 0 {
		resp.LoweredNames = make(map[string]string, len(req.NameExpressions))
		for _, expr := range req.NameExpressions {
			name, err := prog.LoweredName(expr)
			if err != nil {
				return nil, fmt.Errorf("name expression %q: %w", expr, err)
			}
			resp.LoweredNames[expr] = name
		}
	}

	return resp, nil
}

func (s *Server) VersionHandler(c *gin.Context) {
	if s.compiler == nil {
		abort(c, http.StatusNotImplemented, s.loadErr)
		return
	}

	major, minor, err := s.compiler.Version()
	if err != nil {
		abort(c, statusCode(err), err)
		return
	}

	respond(c, http.StatusOK, api.VersionResponse{Major: major, Minor: minor})
}

func (s *Server) ArchsHandler(c *gin.Context) {
	if s.compiler == nil {
		abort(c, http.StatusNotImplemented, s.loadErr)
		return
	}

	archs, err := s.compiler.SupportedArchs()
	if err != nil {
		abort(c, statusCode(err), err)
		return
	}

	respond(c, http.StatusOK, api.ArchsResponse{Archs: archs})
}

// Serve runs the compile server on ln until SIGINT or SIGTERM.
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel))
	slog.Info("server config", "env", envconfig.Values())

	if !envconfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	compiler, err := nvrtc.Default()
	if err != nil {
		slog.Warn("runtime compiler unavailable, compile requests will fail", "error", err)
	} else if major, minor, err := compiler.Version(); err == nil {
		slog.Info("runtime compiler", "version", fmt.Sprintf("%d.%d", major, minor))
	}

	s := NewServer(compiler, err)
	s.addr = ln.Addr()

	srvr := &http.Server{
		Handler:           s.GenerateRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srvr.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	slog.Info(fmt.Sprintf("Listening on %s", s.addr))
	if err := srvr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
