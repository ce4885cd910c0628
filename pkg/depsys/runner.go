package depsys

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// DownloadDirName is the directory inside the work root which holds downloaded archives
const DownloadDirName = ".downloads"

// Orchestrator installs packages one after the other and writes the resulting CMake file
type Orchestrator struct {
	// Header is written verbatim at the top of the generated file
	Header string
	// WorkRoot contains one directory per package plus the shared download cache
	WorkRoot string
}

// Run installs pkgs in order and writes the descriptor to artifactPath. The first failing package stops
// the run with an *InstallError. The artifact is written in every case, so a failed run leaves the
// fragments collected so far (including the partial fragment of the failed package) behind.
func (o *Orchestrator) Run(ctx context.Context, pkgs []Package, artifactPath string) (err error) {
	workRoot, err := filepath.Abs(o.WorkRoot)
	if err != nil {
		return err
	}

	err = os.MkdirAll(workRoot, 0770)
	if err != nil {
		return eris.Wrapf(err, "failed to create work directory %s", workRoot)
	}

	handle, err := os.Create(artifactPath)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", artifactPath)
	}

	desc := NewDescriptor(o.Header)
	defer func() {
		_, wErr := desc.WriteTo(handle)
		cErr := handle.Close()

		if err == nil {
			if wErr != nil {
				err = eris.Wrapf(wErr, "failed to write %s", artifactPath)
			} else if cErr != nil {
				err = eris.Wrapf(cErr, "failed to close %s", artifactPath)
			}
		}
	}()

	downloadDir := filepath.Join(workRoot, DownloadDirName)
	for idx, pkg := range pkgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := pkg.Name()
		workDir := filepath.Join(workRoot, name)
		err = os.MkdirAll(workDir, 0770)
		if err != nil {
			return eris.Wrapf(err, "failed to create work directory for %s", name)
		}

		log(ctx).Info().Str("pkg", name).Msg("Building " + name)
		installErr := pkg.Install(ctx, InstallEnv{
			WorkDir:     workDir,
			DownloadDir: downloadDir,
			Out:         desc.Begin(name),
		})
		if installErr != nil {
			return &InstallError{
				Package: name,
				Index:   idx + 1,
				Code:    StatusCode(installErr),
				Err:     installErr,
			}
		}
	}

	return nil
}

// toolCommand is prepended to mv, rm and mkdir calls made from definition scripts
var toolCommand []string

// SetToolCommand routes mv, rm and mkdir calls in definition scripts to the given command (usually the
// current executable plus its "tool" subcommand) so they behave the same on every platform.
// Passing nothing restores the system commands.
func SetToolCommand(cmd ...string) {
	toolCommand = cmd
}

func execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) > 0 && len(toolCommand) > 0 {
			switch args[0] {
			case "mv", "rm", "mkdir":
				// always use our cross-platform implementation for these operations to make sure
				// they behave consistently
				args = append(append([]string{}, toolCommand...), args...)
			}
		}

		return next(ctx, args)
	}
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func parseScript(parser *syntax.Parser, content, name string) ([]*syntax.Stmt, error) {
	result, err := parser.Parse(strings.NewReader(content), name)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", content)
	}

	return result.Stmts, nil
}

// processCmdParts turns a tuple like ("CC=clang", "make", "-j4") into a shell call expression. Leading
// items containing "=" become environment assignments.
func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}

		envVars = append(envVars, value.GoString())
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	argCount := len(parts) - len(envVars)
	if argCount < 1 {
		return nil, eris.New("command is empty")
	}

	cmd.Args = make([]*syntax.Word, argCount)
	for a, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case starlark.Int:
			encodedValue = value.String()
		case StarlarkPath:
			encodedValue = string(value)

			if filepath.IsAbs(encodedValue) {
				// absolute paths cause issues on Windows
				relValue, err := filepath.Rel(base, encodedValue)
				if err == nil {
					encodedValue = relValue
				}
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings, ints and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart

		if encodedValue == "" || strings.ContainsAny(encodedValue, " \t$'\"\\;&|<>()*?[]#~`") {
			// the AST is executed directly, so the value doesn't need any escaping
			node := new(syntax.SglQuoted)
			node.Value = encodedValue

			wordPart = node
		} else {
			node := new(syntax.Lit)
			node.Value = encodedValue

			wordPart = node
		}

		cmd.Args[a] = new(syntax.Word)
		cmd.Args[a].Parts = []syntax.WordPart{wordPart}
	}

	return cmd, nil
}
