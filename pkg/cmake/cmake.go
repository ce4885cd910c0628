// Package cmake locates and runs the cmake executable which consumes the generated CMakeLists.txt.
package cmake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"
	shellquote "github.com/kballard/go-shellquote"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned by Find if cmake isn't in PATH and no override was given
	ErrNotFound = eris.New("could not find 'cmake' in PATH")
	// ErrNotExecutable is returned by Find if the resolved path isn't an executable file
	ErrNotExecutable = eris.New("no valid path to 'cmake' was provided")
)

// ExitError is returned when cmake itself fails. Code is cmake's exit status.
type ExitError struct {
	Args []string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", shellquote.Join(e.Args...), e.Code)
}

// CMake runs a specific cmake executable
type CMake struct {
	Path string
	// Generator is passed to the configure step as -G if it's not empty
	Generator string
	Stdout    io.Writer
	Stderr    io.Writer
}

// Find returns the cmake executable to use. override takes precedence over the PATH lookup. The result
// is guaranteed to be an executable regular file.
func Find(override string) (string, error) {
	path := override
	if path == "" {
		var err error
		path, err = exec.LookPath("cmake")
		if err != nil {
			return "", ErrNotFound
		}
	}

	if !isExe(path) {
		return "", eris.Wrapf(ErrNotExecutable, "%s is not an executable file", path)
	}

	return path, nil
}

func isExe(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	// Windows has no executable bit; LookPath already checked the extension there
	return isExecutableMode(info.Mode())
}

// New returns a runner for the cmake binary at path which forwards its output to stdout and stderr
func New(path, generator string) *CMake {
	return &CMake{
		Path:      path,
		Generator: generator,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
}

// ParseVersion extracts the version from the output of cmake --version
func ParseVersion(output string) (*semver.Version, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "cmake version ") {
			raw := strings.TrimPrefix(line, "cmake version ")
			// development builds look like 3.20.20210309-g8c4a9e1
			raw = strings.SplitN(raw, "-", 2)[0]

			version, err := semver.NewVersion(raw)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to parse cmake version %s", raw)
			}
			return version, nil
		}
	}

	return nil, eris.New("cmake --version didn't report a version")
}

// Version runs cmake --version and parses the result
func (c *CMake) Version(ctx context.Context) (*semver.Version, error) {
	output, err := exec.CommandContext(ctx, c.Path, "--version").Output()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to run %s --version", c.Path)
	}

	return ParseVersion(string(output))
}

// CheckVersion verifies that cmake satisfies the given semver constraint. An empty constraint always
// passes without running cmake.
func (c *CMake) CheckVersion(ctx context.Context, constraint string) error {
	if constraint == "" {
		return nil
	}

	required, err := semver.NewConstraint(constraint)
	if err != nil {
		return eris.Wrapf(err, "invalid version constraint %s", constraint)
	}

	version, err := c.Version(ctx)
	if err != nil {
		return err
	}

	if !required.Check(version) {
		return eris.Errorf("cmake %s does not satisfy %s", version.String(), constraint)
	}

	zerolog.Ctx(ctx).Debug().Msgf("found cmake %s", version.String())
	return nil
}

// ConfigureArgs returns the arguments passed to cmake for the configure step
func (c *CMake) ConfigureArgs(sourceDir string) []string {
	args := []string{sourceDir}
	if c.Generator != "" {
		args = append(args, "-G", c.Generator)
	}

	return args
}

// Configure generates the build system for sourceDir inside buildDir
func (c *CMake) Configure(ctx context.Context, sourceDir, buildDir string) error {
	return c.run(ctx, buildDir, c.ConfigureArgs(sourceDir)...)
}

// Build builds the previously configured project in buildDir
func (c *CMake) Build(ctx context.Context, buildDir string) error {
	return c.run(ctx, buildDir, "--build", ".")
}

func (c *CMake) run(ctx context.Context, dir string, args ...string) error {
	cmdline := append([]string{c.Path}, args...)
	zerolog.Ctx(ctx).Info().
		Str("path", dir).
		Bool("command", true).
		Msg(shellquote.Join(cmdline...))

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{Args: cmdline, Code: exitErr.ExitCode()}
		}
		return eris.Wrapf(err, "failed to run %s", c.Path)
	}

	return nil
}
