package depsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

type scriptCtx struct {
	ctx       context.Context
	filepath  string
	root      string
	yamlCache map[string]interface{}
	packages  []*scriptPackage
	// install is nil while the definition file itself is executed
	install *installState
}

type installState struct {
	pkg          string
	env          InstallEnv
	envOverrides map[string]string
}

type scriptPackage struct {
	name     string
	desc     string
	filepath string
	root     string
	install  starlark.Callable
}

// * Helpers

func getCtx(thread *starlark.Thread) *scriptCtx {
	return thread.Local("scriptCtx").(*scriptCtx)
}

func getInstallState(thread *starlark.Thread, fn *starlark.Builtin) (*installState, error) {
	state := getCtx(thread).install
	if state == nil {
		return nil, eris.Errorf("%s: can only be called from an install function", fn.Name())
	}

	return state, nil
}

func newThread(name string, sctx *scriptCtx) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(thread *starlark.Thread, msg string) {
			log(sctx.ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	thread.SetLocal("scriptCtx", sctx)
	return thread
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"OS":              starlark.String(runtime.GOOS),
		"ARCH":            starlark.String(runtime.GOARCH),
		"package":         starlark.NewBuiltin("package", declarePackage),
		"info":            starlark.NewBuiltin("info", starInfo),
		"warn":            starlark.NewBuiltin("warn", starWarn),
		"error":           starlark.NewBuiltin("error", starError),
		"resolve_path":    starlark.NewBuiltin("resolve_path", resolvePath),
		"cmake_path":      starlark.NewBuiltin("cmake_path", cmakePath),
		"getenv":          starlark.NewBuiltin("getenv", getenv),
		"setenv":          starlark.NewBuiltin("setenv", setenv),
		"read_yaml":       starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":           starlark.NewBuiltin("isdir", starIsdir),
		"isfile":          starlark.NewBuiltin("isfile", starIsfile),
		"glob":            starlark.NewBuiltin("glob", starGlob),
		"version_matches": starlark.NewBuiltin("version_matches", versionMatches),
		"download":        starlark.NewBuiltin("download", starDownload),
		"extract":         starlark.NewBuiltin("extract", starExtract),
		"execute":         starlark.NewBuiltin("execute", starExec),
		"emit":            starlark.NewBuiltin("emit", starEmit),
	}
}

// * Builtin functions

func declarePackage(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ctx := getCtx(thread)
	if ctx.install != nil {
		return nil, eris.New("package() can only be called while loading a definition file")
	}

	pkg := &scriptPackage{
		filepath: ctx.filepath,
		root:     ctx.root,
	}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &pkg.name, "install", &pkg.install, "desc?", &pkg.desc)
	if err != nil {
		return nil, err
	}

	if pkg.name == "" {
		return nil, eris.New("package(): name must not be empty")
	}

	if starFn, ok := pkg.install.(*starlark.Function); ok && starFn.NumParams() != 1 {
		return nil, eris.Errorf("package(): the install function for %s must accept exactly one parameter (the work directory)", pkg.name)
	}

	ctx.packages = append(ctx.packages, pkg)
	return pkg, nil
}

// LoadFile executes a single definition file and adds every package it declares to registry.
// root is the definitions directory which "//" paths are resolved against.
func LoadFile(ctx context.Context, registry *Registry, filename, root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return err
	}

	sctx := &scriptCtx{
		ctx:       ctx,
		filepath:  filename,
		root:      root,
		yamlCache: make(map[string]interface{}),
	}
	thread := newThread("load", sctx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return eris.Wrapf(err, "failed to read file %s", filename)
	}

	_, err = starlark.ExecFile(thread, simplifyPath(sctx, filename), script, predeclared())
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return eris.Errorf("failed to execute %s:\n%s", simplifyPath(sctx, filename), evalError.Backtrace())
		}
		return eris.Wrapf(err, "failed to execute %s", simplifyPath(sctx, filename))
	}

	for _, pkg := range sctx.packages {
		err = registry.Register(pkg)
		if err != nil {
			return eris.Wrapf(err, "failed to load %s", simplifyPath(sctx, filename))
		}
	}

	return nil
}

func (p *scriptPackage) Name() string {
	return p.name
}

// Desc returns the description passed to package()
func (p *scriptPackage) Desc() string {
	return p.desc
}

// Install calls the script's install function with the work directory as its only argument
func (p *scriptPackage) Install(ctx context.Context, env InstallEnv) error {
	sctx := &scriptCtx{
		ctx:       ctx,
		filepath:  p.filepath,
		root:      p.root,
		yamlCache: make(map[string]interface{}),
		install: &installState{
			pkg:          p.name,
			env:          env,
			envOverrides: make(map[string]string),
		},
	}
	thread := newThread(p.name, sctx)

	result, err := starlark.Call(thread, p.install, starlark.Tuple{starlark.String(env.WorkDir)}, nil)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return eris.Errorf("install function of %s failed:\n%s", p.name, evalError.Backtrace())
		}
		return eris.Wrapf(err, "install function of %s failed", p.name)
	}

	code, err := statusFromValue(result)
	if err != nil {
		return eris.Wrapf(err, "install function of %s returned an invalid status", p.name)
	}

	if code != 0 {
		return &StatusError{Package: p.name, Code: code}
	}
	return nil
}

// statusFromValue converts the return value of an install function into a status code
func statusFromValue(value starlark.Value) (int, error) {
	switch value := value.(type) {
	case starlark.NoneType:
		return 0, nil
	case starlark.Bool:
		if value {
			return 0, nil
		}
		return 1, nil
	case starlark.Int:
		code, ok := value.Int64()
		if !ok {
			return 0, eris.Errorf("status %s is out of range", value.String())
		}
		return int(code), nil
	default:
		return 0, eris.Errorf("expected None, bool or int but got %s", value.Type())
	}
}
