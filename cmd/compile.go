package cmd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/cudartc/api"
	"github.com/ollama/cudartc/envconfig"
	"github.com/ollama/cudartc/format"
	"github.com/ollama/cudartc/nvrtc"
	"github.com/ollama/cudartc/progress"
	"github.com/ollama/cudartc/server"
)

type compileFunc func(context.Context, *api.CompileRequest) (*api.CompileResponse, error)

type compileResult struct {
	path string
	resp *api.CompileResponse
	err  error
}

func localCompile() (compileFunc, error) {
	compiler, err := newCompiler()
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, req *api.CompileRequest) (*api.CompileResponse, error) {
		start := time.Now()
		resp, err := server.Compile(compiler, req, req.Options)
		if resp != nil {
			resp.TotalDuration = time.Since(start)
		}
		return resp, err
	}, nil
}

func remoteCompile() compileFunc {
	client := api.ClientFromEnvironment()
	client.CBOR = true
	return client.Compile
}

// readIncludes loads name=path header flags. A bare path is made available
// under its base name.
func readIncludes(specs []string) ([]api.Header, error) {
	headers := make([]api.Header, 0, len(specs))
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		if !ok {
			name, path = filepath.Base(spec), spec
		}

		if name == "" || path == "" {
			return nil, fmt.Errorf("invalid include %q, expected name=path", spec)
		}

		bts, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		headers = append(headers, api.Header{Name: name, Source: string(bts)})
	}
	return headers, nil
}

func compileHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	if name != "" && len(args) > 1 {
		return errors.New("--name requires a single source file")
	}

	includes, _ := flags.GetStringArray("include")
	headers, err := readIncludes(includes)
	if err != nil {
		return err
	}

	exprs, _ := flags.GetStringArray("expr")
	options, _ := flags.GetStringArray("option")
	if arch, _ := flags.GetString("arch"); arch != "" && !nvrtc.HasArch(options) {
		options = append([]string{"--gpu-architecture=" + arch}, options...)
	}

	cubin, _ := flags.GetBool("cubin")
	outDir, _ := flags.GetString("ptx-out")
	showLog, _ := flags.GetBool("show-log")

	var compile compileFunc
	if remote, _ := flags.GetBool("remote"); remote {
		compile = remoteCompile()
	} else if compile, err = localCompile(); err != nil {
		return err
	}

	var p *progress.Progress
	if progress.IsTerminal(os.Stderr) {
		p = progress.NewProgress(os.Stderr)
	}

	results := make([]compileResult, len(args))

	var g errgroup.Group
	g.SetLimit(max(envconfig.NumParallel, 1))
	for i, path := range args {
		g.Go(func() error {
			results[i].path = path

			src, err := os.ReadFile(path)
			if err != nil {
				results[i].err = err
				return nil
			}

			req := &api.CompileRequest{
				Name:            cmp.Or(name, filepath.Base(path)),
				Source:          string(src),
				Headers:         headers,
				NameExpressions: exprs,
				Options:         options,
				CUBIN:           cubin,
			}

			var spinner *progress.Spinner
			if p != nil {
				spinner = progress.NewSpinner("compiling " + req.Name)
				p.Add(spinner)
			}

			results[i].resp, results[i].err = compile(cmd.Context(), req)
			if spinner != nil {
				spinner.Stop()
			}
			return nil
		})
	}

	// compile failures are reported per file below
	_ = g.Wait()
	if p != nil {
		p.Stop()
	}

	var errs []error
	for _, r := range results {
		if err := report(cmd.OutOrStdout(), cmd.ErrOrStderr(), r, outDir, showLog); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.path, err))
		}
	}
	return errors.Join(errs...)
}

// report prints the outcome of one compile and writes its artifacts.
func report(stdout, stderr io.Writer, r compileResult, outDir string, showLog bool) error {
	if r.resp != nil && r.resp.Log != "" && (showLog || r.err != nil) {
		fmt.Fprint(stderr, r.resp.Log)
		if !strings.HasSuffix(r.resp.Log, "\n") {
			fmt.Fprintln(stderr)
		}
	}

	if r.err != nil {
		return r.err
	}

	dir := outDir
	if dir == "" {
		dir = filepath.Dir(r.path)
	}

	stem := strings.TrimSuffix(filepath.Base(r.path), filepath.Ext(r.path))
	var written []string

	ptx := filepath.Join(dir, stem+".ptx")
	if err := os.WriteFile(ptx, []byte(r.resp.PTX), 0o644); err != nil {
		return err
	}
	written = append(written, fmt.Sprintf("%s (%s)", ptx, format.HumanBytes(int64(len(r.resp.PTX)))))

	if len(r.resp.CUBIN) > 0 {
		cubin := filepath.Join(dir, stem+".cubin")
		if err := os.WriteFile(cubin, r.resp.CUBIN, 0o644); err != nil {
			return err
		}
		written = append(written, fmt.Sprintf("%s (%s)", cubin, format.HumanBytes(int64(len(r.resp.CUBIN)))))
	}

	status := format.HumanDuration(r.resp.TotalDuration)
	if r.resp.Cached {
		status += ", cached"
	}
	fmt.Fprintf(stdout, "compiled %s in %s: %s\n", r.path, status, strings.Join(written, ", "))

	if len(r.resp.LoweredNames) > 0 {
		exprs := make([]string, 0, len(r.resp.LoweredNames))
		for expr := range r.resp.LoweredNames {
			exprs = append(exprs, expr)
		}
		slices.Sort(exprs)

		table := newTable(stdout, "EXPRESSION", "LOWERED NAME")
		for _, expr := range exprs {
			table.Append([]string{expr, r.resp.LoweredNames[expr]})
		}
		table.Render()
	}
	return nil
}
