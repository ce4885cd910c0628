package cmake

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
)

// fakeCMake writes a shell script which records its arguments and working directory in log
func fakeCMake(t *testing.T, body string) (string, string) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("the fake cmake is a shell script")
	}

	dir := t.TempDir()
	logFile := filepath.Join(dir, "calls.log")
	script := "#!/bin/sh\n" +
		"echo \"$(pwd)|$*\" >> '" + logFile + "'\n" +
		"if [ \"$1\" = \"--version\" ]; then\n" +
		"  echo 'cmake version 3.18.4'\n" +
		"  echo\n" +
		"  echo 'CMake suite maintained and supported by Kitware (kitware.com/cmake).'\n" +
		"  exit 0\n" +
		"fi\n" +
		body

	path := filepath.Join(dir, "cmake")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	return path, logFile
}

func readCalls(t *testing.T, logFile string) []string {
	t.Helper()

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("cmake was never called: %v", err)
	}

	return strings.Split(strings.TrimSpace(string(content)), "\n")
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{"release", "cmake version 3.18.4\n\nCMake suite maintained by Kitware\n", "3.18.4", false},
		{"release candidate", "cmake version 3.20.0-rc2\n", "3.20.0", false},
		{"dev build", "cmake version 3.19.20210309-g8c4a9e1\n", "3.19.20210309", false},
		{"leading whitespace", "\n  cmake version 3.13.1\n", "3.13.1", false},
		{"no version", "usage: cmake <dir>\n", "", true},
		{"garbage version", "cmake version banana\n", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseVersion(tt.output)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVersion() error = %v, wantErr %v", err, tt.wantErr)
			}

			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ParseVersion() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFind(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("relies on the executable bit")
	}

	dir := t.TempDir()
	exe := filepath.Join(dir, "cmake")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	plain := filepath.Join(dir, "cmake.txt")
	if err := os.WriteFile(plain, []byte("not executable"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		override string
		wantErr  bool
	}{
		{"executable override", exe, false},
		{"not executable", plain, true},
		{"directory", dir, true},
		{"missing", filepath.Join(dir, "missing"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Find(tt.override)
			if tt.wantErr {
				if !eris.Is(err, ErrNotExecutable) {
					t.Errorf("Find(%s) error = %v, want ErrNotExecutable", tt.override, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("Find(%s) returned error: %v", tt.override, err)
			}

			if got != tt.override {
				t.Errorf("Find(%s) = %s", tt.override, got)
			}
		})
	}
}

func TestFind_SearchesPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on the executable bit")
	}

	dir := t.TempDir()
	t.Setenv("PATH", dir)

	if _, err := Find(""); !eris.Is(err, ErrNotFound) {
		t.Errorf("Find() with an empty PATH = %v, want ErrNotFound", err)
	}

	exe := filepath.Join(dir, "cmake")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := Find("")
	if err != nil {
		t.Fatalf("Find() returned error: %v", err)
	}

	if got != exe {
		t.Errorf("Find() = %s, want %s", got, exe)
	}
}

func TestConfigureAndBuild(t *testing.T) {
	t.Parallel()

	path, logFile := fakeCMake(t, "echo \"running $1\"\n")

	source := t.TempDir()
	buildDir := filepath.Join(source, "build")
	if err := os.Mkdir(buildDir, 0o755); err != nil {
		t.Fatal(err)
	}

	stdout := bytes.Buffer{}
	cm := New(path, "Ninja")
	cm.Stdout = &stdout
	cm.Stderr = &stdout

	ctx := context.Background()
	if err := cm.Configure(ctx, source, buildDir); err != nil {
		t.Fatalf("Configure() returned error: %v", err)
	}

	if err := cm.Build(ctx, buildDir); err != nil {
		t.Fatalf("Build() returned error: %v", err)
	}

	calls := readCalls(t, logFile)
	want := []string{
		buildDir + "|" + source + " -G Ninja",
		buildDir + "|--build .",
	}

	if len(calls) != len(want) {
		t.Fatalf("cmake calls = %q, want %q", calls, want)
	}

	for idx := range want {
		// pwd may resolve symlinks in the temp dir
		if !strings.HasSuffix(calls[idx], strings.SplitN(want[idx], "|", 2)[1]) ||
			!strings.HasSuffix(strings.SplitN(calls[idx], "|", 2)[0], "build") {
			t.Errorf("call %d = %q, want %q", idx, calls[idx], want[idx])
		}
	}

	if !strings.Contains(stdout.String(), "running --build") {
		t.Errorf("cmake output wasn't forwarded: %q", stdout.String())
	}
}

func TestConfigureArgs(t *testing.T) {
	t.Parallel()

	if got := strings.Join((&CMake{}).ConfigureArgs("/src"), " "); got != "/src" {
		t.Errorf("ConfigureArgs() without generator = %q", got)
	}

	if got := strings.Join((&CMake{Generator: "Unix Makefiles"}).ConfigureArgs("/src"), "|"); got != "/src|-G|Unix Makefiles" {
		t.Errorf("ConfigureArgs() with generator = %q", got)
	}
}

func TestBuild_ExitStatus(t *testing.T) {
	t.Parallel()

	path, _ := fakeCMake(t, "exit 3\n")
	cm := New(path, "")
	cm.Stdout = &bytes.Buffer{}
	cm.Stderr = &bytes.Buffer{}

	err := cm.Build(context.Background(), t.TempDir())

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Build() error = %v, want *ExitError", err)
	}

	if exitErr.Code != 3 {
		t.Errorf("ExitError.Code = %d, want 3", exitErr.Code)
	}
}

func TestCheckVersion(t *testing.T) {
	t.Parallel()

	path, logFile := fakeCMake(t, "")
	cm := New(path, "")
	ctx := context.Background()

	if err := cm.CheckVersion(ctx, ""); err != nil {
		t.Fatalf("CheckVersion() without constraint returned error: %v", err)
	}

	if _, err := os.Stat(logFile); err == nil {
		t.Error("CheckVersion() ran cmake without a constraint")
	}

	if err := cm.CheckVersion(ctx, ">= 3.13"); err != nil {
		t.Errorf("CheckVersion(>= 3.13) returned error: %v", err)
	}

	if err := cm.CheckVersion(ctx, ">= 3.20"); err == nil {
		t.Error("CheckVersion(>= 3.20) accepted cmake 3.18.4")
	}

	if err := cm.CheckVersion(ctx, "not a constraint"); err == nil {
		t.Error("CheckVersion() accepted an invalid constraint")
	}
}
