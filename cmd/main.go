// Package cmd implements the prepdeps command line interface
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ngld/prepdeps/pkg"
	"github.com/ngld/prepdeps/pkg/cmake"
	"github.com/ngld/prepdeps/pkg/config"
	"github.com/ngld/prepdeps/pkg/depsys"
)

// usageError is reported together with a hint to consult the help and exits with status 2
type usageError struct {
	msg string
	err error
}

func (e *usageError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *usageError) Unwrap() error {
	return e.err
}

// configError covers broken config files, definitions and header templates. It exits with status 2.
type configError struct {
	err error
}

func (e *configError) Error() string {
	return e.err.Error()
}

func (e *configError) Unwrap() error {
	return e.err
}

type options struct {
	packages  []string
	generator string
	cmake     string
	config    string
	verbose   bool
}

type app struct {
	stdout io.Writer
	stderr io.Writer
	logger zerolog.Logger
	opts   options
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		logger: zerolog.New(NewConsoleWriter(stderr)).Level(zerolog.InfoLevel),
	}
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "prepdeps [options] <destination dir>",
		Short:         "Download and build third-party packages and generate a CMakeLists.txt for them",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          a.run,
	}

	flags := rootCmd.Flags()
	flags.StringArrayVarP(&a.opts.packages, "package", "p", nil, "download and install package (can be repeated)")
	flags.StringVarP(&a.opts.generator, "generator", "g", "", "generator to be used by CMake")
	flags.StringVarP(&a.opts.cmake, "cmake", "c", "", "path to cmake")
	flags.StringVar(&a.opts.config, "config", "", "config file to read instead of "+config.DefaultFile)
	flags.BoolVarP(&a.opts.verbose, "verbose", "v", false, "show debug output")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetHelpCommand(&cobra.Command{Use: "no-help", Hidden: true})
	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &usageError{msg: "Invalid arguments provided", err: err}
	})

	defaultHelp := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		if c != rootCmd {
			defaultHelp(c, args)
			return
		}

		a.printUsage(c)
	})

	rootCmd.AddCommand(newToolCmd())
	return rootCmd
}

func (a *app) context(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	return depsys.WithLogger(ctx, &a.logger)
}

// packageNames loads the definitions for the usage text. Problems are only logged since the usage has to
// be printed regardless.
func (a *app) packageNames(ctx context.Context) []string {
	cfg, err := config.Load(a.opts.config)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Could not load the config")
		return nil
	}

	registry, err := depsys.LoadAll(ctx, cfg.Definitions)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Could not load the package definitions")
		return nil
	}

	return registry.Names()
}

func (a *app) printUsage(cmd *cobra.Command) {
	names := a.packageNames(a.context(cmd))

	var b strings.Builder
	b.WriteString("Usage:\n")
	fmt.Fprintf(&b, "%s [options] <destination dir>\n\n", cmd.Name())
	b.WriteString("Possible options:\n")
	b.WriteString("-p <name>        Download and install package.\n")
	b.WriteString("                 Possible packages:\n")
	fmt.Fprintf(&b, "                 %s\n", strings.Join(names, ", "))
	b.WriteString("                 Option can be repeated.\n\n")
	b.WriteString("-g <generator>   Generator to be used by CMake.\n")
	b.WriteString("                 See cmake --help, 'Generators' section for more details.\n\n")
	b.WriteString("-c <cmake>       Path to cmake. Useful when 'cmake' is not in PATH.\n\n")
	fmt.Fprintf(&b, "--config <file>  Read settings from <file> instead of %s.\n", config.DefaultFile)
	b.WriteString("-v, --verbose    Show debug output.\n")
	b.WriteString("-h, --help       Show this help.\n")

	fmt.Fprint(a.stdout, b.String())
}

func (a *app) run(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && cmd.Flags().NFlag() == 0 {
		a.printUsage(cmd)
		return nil
	}

	cfg, err := config.Load(a.opts.config)
	if err != nil {
		return &configError{err}
	}

	level := cfg.LogLevel()
	if a.opts.verbose {
		level = zerolog.DebugLevel
	}
	a.logger = a.logger.Level(level)
	ctx := a.context(cmd)

	// validate everything before touching the destination
	registry, err := depsys.LoadAll(ctx, cfg.Definitions)
	if err != nil {
		return &configError{err}
	}

	pkgs, err := registry.Resolve(a.opts.packages)
	if err != nil {
		var unknown *depsys.UnknownPackageError
		if errors.As(err, &unknown) {
			return &usageError{msg: unknown.Error() + "."}
		}
		return err
	}

	if len(args) == 0 {
		return &usageError{msg: "No destination dir was provided."}
	}

	if len(args) > 1 {
		return &usageError{msg: "Too many destination dirs. Only one is expected."}
	}

	cmakePath, err := cmake.Find(a.opts.cmake)
	if err != nil {
		if eris.Is(err, cmake.ErrNotFound) {
			return &usageError{msg: "Could not find 'cmake' in PATH."}
		}
		return &usageError{msg: "No valid path to 'cmake' was provided."}
	}

	cm := cmake.New(cmakePath, a.opts.generator)
	cm.Stdout = a.stdout
	cm.Stderr = a.stderr

	err = cm.CheckVersion(ctx, cfg.CMake.MinVersion)
	if err != nil {
		return &configError{err}
	}

	header, err := os.ReadFile(cfg.Header)
	if err != nil {
		return &configError{eris.Wrapf(err, "failed to read header template %s", cfg.Header)}
	}

	dest, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	err = os.MkdirAll(dest, 0770)
	if err != nil {
		return eris.Wrapf(err, "failed to create destination %s", dest)
	}

	artifact := filepath.Join(dest, cfg.Artifact)
	pkg.PrintTask(a.stdout, "Generating "+artifact)

	orchestrator := &depsys.Orchestrator{
		Header:   string(header),
		WorkRoot: cfg.PackageWorkDir(),
	}
	err = orchestrator.Run(ctx, pkgs, artifact)
	if err != nil {
		return err
	}

	buildDir := filepath.Join(dest, cfg.BuildDir)
	err = os.MkdirAll(buildDir, 0770)
	if err != nil {
		return eris.Wrapf(err, "failed to create build directory %s", buildDir)
	}

	pkg.PrintTask(a.stdout, "Configuring")
	err = cm.Configure(ctx, dest, buildDir)
	if err != nil {
		return err
	}

	pkg.PrintTask(a.stdout, "Building")
	return cm.Build(ctx, buildDir)
}

// exitCode reports err and maps it to the process' exit status
func (a *app) exitCode(err error) int {
	if err == nil {
		return 0
	}

	var uErr *usageError
	var cErr *configError
	var iErr *depsys.InstallError
	var xErr *cmake.ExitError

	switch {
	case errors.As(err, &uErr):
		fmt.Fprintln(a.stderr, uErr.Error())
		fmt.Fprintln(a.stderr, "See -h for help.")
		return 2
	case errors.As(err, &cErr):
		a.logger.Error().Err(cErr.err).Msg("Invalid configuration")
		return 2
	case errors.As(err, &iErr):
		pkg.PrintError(a.stderr, iErr.Error())
		return 1
	case errors.As(err, &xErr):
		pkg.PrintError(a.stderr, xErr.Error())
		if xErr.Code > 0 {
			return xErr.Code
		}
		return 1
	default:
		a.logger.Error().Err(err).Msg("Failed")
		return 1
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if args == nil {
		args = []string{}
	}

	a := newApp(stdout, stderr)
	rootCmd := a.rootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	return a.exitCode(rootCmd.ExecuteContext(ctx))
}

// Execute runs the CLI with the process' arguments and returns the exit status
func Execute() int {
	var toolCmd []string
	exe, err := os.Executable()
	if err == nil {
		toolCmd = []string{exe, "tool"}
	}

	return execute(toolCmd)
}

// execute runs the CLI and routes mv, rm and mkdir in definition scripts to toolCmd
func execute(toolCmd []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	depsys.SetToolCommand(toolCmd...)
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}
