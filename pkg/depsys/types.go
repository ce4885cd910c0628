package depsys

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
)

// Package is a single third-party dependency which knows how to fetch and build itself and which
// CMake directives are necessary to use it.
type Package interface {
	Name() string
	Install(ctx context.Context, env InstallEnv) error
}

// InstallEnv contains everything a package may touch during Install.
type InstallEnv struct {
	// WorkDir is the package's own directory. The orchestrator creates it before calling Install.
	WorkDir string
	// DownloadDir is shared by all packages and holds downloaded archives.
	DownloadDir string
	// Out collects the CMake lines for this package.
	Out *Fragment
}

// StatusError is returned by Install if the package reported a non-zero status
type StatusError struct {
	Package string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s finished with status %d", e.Package, e.Code)
}

// StatusCode maps the result of Install to an integer status. nil is 0, a *StatusError carries its own
// code and every other error counts as 1.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.Code
	}
	return 1
}

// UnknownPackageError is returned by Registry.Resolve for names that haven't been registered
type UnknownPackageError struct {
	Name string
}

func (e *UnknownPackageError) Error() string {
	return fmt.Sprintf("'%s' is not a valid package name", e.Name)
}

// InstallError describes which package stopped a run
type InstallError struct {
	Package string
	// Index is the 1-based position of the package in the request
	Index int
	Code  int
	Err   error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("package %s (#%d) failed with status %d: %v", e.Package, e.Index, e.Code, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

type funcPackage struct {
	name    string
	install func(context.Context, InstallEnv) error
}

// NewPackage wraps a Go function as a Package
func NewPackage(name string, install func(context.Context, InstallEnv) error) Package {
	return &funcPackage{name: name, install: install}
}

func (p *funcPackage) Name() string {
	return p.name
}

func (p *funcPackage) Install(ctx context.Context, env InstallEnv) error {
	return p.install(ctx, env)
}

// Implement starlark.Value for *scriptPackage

// String returns a string representation of the package
func (p *scriptPackage) String() string {
	return fmt.Sprintf("<Package %s: %s>", p.name, p.desc)
}

// Type always returns "package" to indicate this type
func (p *scriptPackage) Type() string {
	return "package"
}

// Freeze doesn't do anything since packages are immutable anyway
func (p *scriptPackage) Freeze() {}

// Truth always returns true since a package can't be nil or None
func (p *scriptPackage) Truth() starlark.Bool {
	return starlark.True
}

func (p *scriptPackage) Hash() (uint32, error) {
	return starlark.String(p.name).Hash()
}

// StarlarkPath is a filesystem path handed to definition scripts. str() yields the plain path.
type StarlarkPath string

func (p StarlarkPath) String() string {
	return string(p)
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
