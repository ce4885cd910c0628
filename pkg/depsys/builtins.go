package depsys

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	base := ""
	ctx := getCtx(thread)

	if len(kwargs) > 0 {
		for _, kv := range kwargs {
			key := kv[0].(starlark.String).GoString()

			if key == "base" {
				var err error
				base, err = valueToPath(kv[1], "base")
				if err != nil {
					return nil, err
				}

				base = normalizePath(ctx, base)
			} else {
				return nil, eris.Errorf("unexpected keyword argument %s", key)
			}
		}
	}

	if len(args) < 1 {
		return nil, eris.New("expects at least one argument")
	}

	parts := make([]string, len(args))
	for idx, path := range args {
		var err error
		parts[idx], err = valueToPath(path, "argument "+strconv.Itoa(idx))
		if err != nil {
			return nil, err
		}
	}

	normPath := normalizePath(ctx, parts...)
	if base != "" {
		var err error
		normPath, err = filepath.Rel(base, normPath)
		if err != nil {
			return nil, err
		}
	}

	return StarlarkPath(normPath), nil
}

func cmakePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path starlark.Value

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path)
	if err != nil {
		return nil, err
	}

	value, err := valueToPath(path, "path")
	if err != nil {
		return nil, err
	}

	return starlark.String(filepath.ToSlash(value)), nil
}

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	info(thread, "%s", message)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	warn(thread, "%s", message)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key)
	if err != nil {
		return nil, err
	}

	if state := getCtx(thread).install; state != nil {
		if value, ok := state.envOverrides[key]; ok {
			return starlark.String(value), nil
		}
	}

	return starlark.String(os.Getenv(key)), nil
}

func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value)
	if err != nil {
		return nil, err
	}

	state, err := getInstallState(thread, fn)
	if err != nil {
		return nil, err
	}

	state.envOverrides[key] = value
	return starlark.True, nil
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var yamlFile string
	var yamlKey string
	var defaultValue starlark.Value = starlark.None

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &yamlFile, &yamlKey, &defaultValue)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	yamlFile = normalizePath(ctx, yamlFile)

	doc, loaded := ctx.yamlCache[yamlFile]
	if !loaded {
		content, err := os.ReadFile(yamlFile)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to open file %s", yamlFile)
		}

		err = yaml.Unmarshal(content, &doc)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse file %s", yamlFile)
		}

		ctx.yamlCache[yamlFile] = doc
	}

	// walk the dotted key
	value := reflect.ValueOf(doc)
	for _, key := range strings.Split(yamlKey, ".") {
		if value.Kind() == reflect.Interface {
			value = value.Elem()
		}

		switch value.Kind() {
		case reflect.Map:
			value = value.MapIndex(reflect.ValueOf(key))
		case reflect.Slice:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= value.Len() {
				return defaultValue, nil
			}
			value = value.Index(idx)
		case reflect.Invalid:
			return defaultValue, nil
		default:
			return nil, eris.Errorf("encountered unexpected value of kind %v in YAML document", value.Kind())
		}
	}

	if !value.IsValid() {
		return defaultValue, nil
	}

	if value.Kind() == reflect.Interface {
		if value.IsNil() {
			return defaultValue, nil
		}
		value = value.Elem()
	}

	return interfaceToStarlark(value.Interface())
}

func starIsdir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dirPath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dirPath)
	if err != nil {
		return nil, err
	}

	dirPath = normalizePath(getCtx(thread), dirPath)
	info, err := os.Stat(dirPath)
	return starlark.Bool(err == nil && info.IsDir()), nil
}

func starIsfile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filePath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &filePath)
	if err != nil {
		return nil, err
	}

	filePath = normalizePath(getCtx(thread), filePath)
	info, err := os.Stat(filePath)
	return starlark.Bool(err == nil && info.Mode().IsRegular()), nil
}

func starGlob(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &pattern)
	if err != nil {
		return nil, err
	}

	matches, err := doublestar.FilepathGlob(normalizePath(getCtx(thread), pattern))
	if err != nil {
		return nil, eris.Wrapf(err, "invalid pattern %s", pattern)
	}

	result := make(starlark.Tuple, len(matches))
	for idx, match := range matches {
		result[idx] = StarlarkPath(match)
	}

	return result, nil
}

func versionMatches(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var version string
	var constraint string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &version, &constraint)
	if err != nil {
		return nil, err
	}

	parsed, err := semver.NewVersion(version)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid version %s", version)
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid constraint %s", constraint)
	}

	return starlark.Bool(c.Check(parsed)), nil
}

func starDownload(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url string
	var checksum string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "url", &url, "sha256?", &checksum)
	if err != nil {
		return nil, err
	}

	state, err := getInstallState(thread, fn)
	if err != nil {
		return nil, err
	}

	info(thread, "downloading %s", url)
	archive, err := NewFetcher(state.env.DownloadDir).Fetch(getCtx(thread).ctx, url, checksum)
	if err != nil {
		return nil, err
	}

	return StarlarkPath(archive), nil
}

func starExtract(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var archive starlark.Value
	var dest starlark.Value
	var strip int

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "archive", &archive, "dest", &dest, "strip?", &strip)
	if err != nil {
		return nil, err
	}

	if _, err := getInstallState(thread, fn); err != nil {
		return nil, err
	}

	archivePath, err := valueToPath(archive, "archive")
	if err != nil {
		return nil, err
	}

	destPath, err := valueToPath(dest, "dest")
	if err != nil {
		return nil, err
	}

	if strip < 0 {
		return nil, eris.Errorf("strip must not be negative but is %d", strip)
	}

	ctx := getCtx(thread)
	archivePath = normalizePath(ctx, archivePath)
	destPath = normalizePath(ctx, destPath)

	info(thread, "extracting %s", filepath.Base(archivePath))
	err = Extract(archivePath, destPath, strip)
	if err != nil {
		return nil, err
	}

	return StarlarkPath(destPath), nil
}

func starEmit(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, eris.Errorf("%s: unexpected keyword arguments", fn.Name())
	}

	state, err := getInstallState(thread, fn)
	if err != nil {
		return nil, err
	}

	lines := make([]string, len(args))
	for idx, arg := range args {
		value, ok := starlark.AsString(arg)
		if !ok {
			return nil, eris.Errorf("%s: argument %d is a %s but only strings are supported", fn.Name(), idx, arg.Type())
		}

		lines[idx] = value
	}

	state.env.Out.Append(lines...)
	return starlark.None, nil
}

func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var dir starlark.Value = starlark.None
	var capture bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "dir?", &dir, "capture?", &capture)
	if err != nil {
		return nil, err
	}

	state, err := getInstallState(thread, fn)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	base := state.env.WorkDir
	if dir != starlark.None {
		dirPath, err := valueToPath(dir, "dir")
		if err != nil {
			return nil, err
		}

		base = normalizePath(ctx, dirPath)
	}

	var shellCmd []syntax.Node
	parser := syntax.NewParser()

	switch command := command.(type) {
	case starlark.String:
		stmts, err := parseScript(parser, command.GoString(), fn.Name())
		if err != nil {
			return nil, err
		}

		shellCmd = make([]syntax.Node, len(stmts))
		for idx, stmt := range stmts {
			shellCmd[idx] = stmt
		}
	case starlark.Tuple:
		expr, err := processCmdParts(command, parser, base)
		if err != nil {
			return nil, err
		}

		shellCmd = []syntax.Node{expr}
	case *starlark.List:
		parts := make(starlark.Tuple, command.Len())
		for idx := 0; idx < command.Len(); idx++ {
			parts[idx] = command.Index(idx)
		}

		expr, err := processCmdParts(parts, parser, base)
		if err != nil {
			return nil, err
		}

		shellCmd = []syntax.Node{expr}
	default:
		return nil, eris.Errorf("unexpected type %s for command parameter, only strings, tuples and lists are valid", command.Type())
	}

	outputBuffer := strings.Builder{}
	runnerOut := interp.StdIO(nil, os.Stdout, os.Stderr)
	if capture {
		runnerOut = interp.StdIO(nil, &outputBuffer, os.Stderr)
	}

	runner, err := interp.New(
		interp.Dir(base),
		interp.Env(expand.ListEnviron(getEnvVars(state)...)),
		interp.ExecHandlers(execHandler),
		interp.OpenHandler(openHandler),
		runnerOut,
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize runner")
	}

	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}
	status := 0
	for _, cmd := range shellCmd {
		strBuffer.Reset()
		printer.Print(&strBuffer, cmd)
		log(ctx.ctx).Info().
			Str("pkg", state.pkg).
			Bool("command", true).
			Msg(strBuffer.String())

		err := runner.Run(ctx.ctx, cmd)
		if err != nil {
			var exitStatus interp.ExitStatus
			if !errors.As(err, &exitStatus) {
				return nil, eris.Wrapf(err, "failed to run %s", strBuffer.String())
			}

			status = int(exitStatus)
			break
		}

		if runner.Exited() {
			break
		}
	}

	if capture {
		if status != 0 {
			return starlark.None, nil
		}
		return starlark.String(outputBuffer.String()), nil
	}

	return starlark.MakeInt(status), nil
}
