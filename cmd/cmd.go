package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/cudartc/api"
	"github.com/ollama/cudartc/envconfig"
	"github.com/ollama/cudartc/nvrtc"
	"github.com/ollama/cudartc/server"
	"github.com/ollama/cudartc/version"
)

// newCompiler loads the runtime compiler for commands that run locally.
var newCompiler = nvrtc.Default

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	if remote, _ := cmd.Flags().GetBool("remote"); !remote {
		return nil
	}

	client := api.ClientFromEnvironment()
	if err := client.Heartbeat(cmd.Context()); err != nil {
		return fmt.Errorf("could not connect to compile server at %s: %w", envconfig.Host, err)
	}
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

func versionHandler(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "cudartc version is %s\n", version.Version)

	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		v, err := api.ClientFromEnvironment().Version(cmd.Context())
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Warning: could not connect to a running compile server")
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "server nvrtc version is %s\n", v)
		return nil
	}

	compiler, err := newCompiler()
	if errors.Is(err, nvrtc.ErrNotBuilt) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		return nil
	} else if err != nil {
		return err
	}

	major, minor, err := compiler.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "nvrtc version is %d.%d\n", major, minor)
	return nil
}

func archsHandler(cmd *cobra.Command, _ []string) error {
	var archs []int
	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		resp, err := api.ClientFromEnvironment().Archs(cmd.Context())
		if err != nil {
			return err
		}
		archs = resp.Archs
	} else {
		compiler, err := newCompiler()
		if err != nil {
			return err
		}

		if archs, err = compiler.SupportedArchs(); err != nil {
			return err
		}
	}

	data := make([][]string, 0, len(archs))
	for _, arch := range archs {
		data = append(data, []string{
			"sm_" + strconv.Itoa(arch),
			"compute_" + strconv.Itoa(arch),
			fmt.Sprintf("%d.%d", arch/10, arch%10),
		})
	}

	table := newTable(cmd.OutOrStdout(), "REAL", "VIRTUAL", "COMPUTE CAPABILITY")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func envHandler(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if example, _ := cmd.Flags().GetBool("example"); example {
		fmt.Fprint(out, envconfig.ExampleFile())
		return nil
	}

	vars := envconfig.AsMap()
	data := make([][]string, 0, len(vars))
	for _, name := range envconfig.Names() {
		v := vars[name]
		data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}

	table := newTable(out, "NAME", "VALUE", "DESCRIPTION")
	table.AppendBulk(data)
	table.Render()

	_, path, err := envconfig.ReadFile(envconfig.ConfigPaths())
	switch {
	case err != nil:
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
	case path != "":
		fmt.Fprintf(out, "\nconfig file: %s\n", path)
	}
	return nil
}

func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "cudartc",
		Short:         "CUDA runtime compiler",
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	compileCmd := &cobra.Command{
		Use:     "compile FILE...",
		Short:   "Compile CUDA sources to PTX",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    compileHandler,
	}

	compileCmd.Flags().String("name", "", "Program name used in diagnostics (single file only)")
	compileCmd.Flags().StringArrayP("include", "I", nil, "Header made available to #include, as name=path")
	compileCmd.Flags().StringArrayP("expr", "e", nil, "Name expression whose lowered name is reported")
	compileCmd.Flags().StringArrayP("option", "O", nil, "Compiler option passed verbatim (e.g. -O --std=c++17)")
	compileCmd.Flags().String("arch", envconfig.Arch, "Target architecture (e.g. sm_80 or compute_80)")
	compileCmd.Flags().String("ptx-out", "", "Directory for generated files (default: next to each source)")
	compileCmd.Flags().Bool("cubin", false, "Also write a CUBIN (requires a real sm_ architecture)")
	compileCmd.Flags().Bool("show-log", false, "Print the compiler log even when compilation succeeds")
	compileCmd.Flags().Bool("remote", false, "Compile on the server at NVRTC_HOST")

	versionCmd := &cobra.Command{
		Use:     "version",
		Short:   "Show version information",
		Args:    cobra.NoArgs,
		PreRunE: checkServerHeartbeat,
		RunE:    versionHandler,
	}
	versionCmd.Flags().Bool("remote", false, "Query the server at NVRTC_HOST")

	archsCmd := &cobra.Command{
		Use:     "archs",
		Short:   "List supported GPU architectures",
		Args:    cobra.NoArgs,
		PreRunE: checkServerHeartbeat,
		RunE:    archsHandler,
	}
	archsCmd.Flags().Bool("remote", false, "Query the server at NVRTC_HOST")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the compile server",
		Args:    cobra.NoArgs,
		RunE:    RunServer,
	}
	serveCmd.SetUsageTemplate(serveCmd.UsageTemplate() + `
Environment Variables:
      NVRTC_HOST           IP Address for the compile server (default 127.0.0.1:11435)
      NVRTC_ORIGINS        A comma separated list of allowed origins
      NVRTC_NUM_PARALLEL   Maximum number of parallel compiles
      NVRTC_MAX_QUEUE      Maximum number of queued compile requests
      NVRTC_CACHE_ENTRIES  Compiled artifacts kept in memory
      NVRTC_ARCH           Default target architecture
      NVRTC_DEBUG          Set to 1 to enable debug logging, 2 for trace
`)

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show configuration",
		Args:  cobra.NoArgs,
		RunE:  envHandler,
	}
	envCmd.Flags().Bool("example", false, "Print an example config file")

	rootCmd.AddCommand(
		compileCmd,
		versionCmd,
		archsCmd,
		serveCmd,
		envCmd,
	)

	return rootCmd
}

// Execute runs the CLI and reports any error on stderr.
func Execute(ctx context.Context) int {
	if err := NewCLI().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
