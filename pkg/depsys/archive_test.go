package depsys

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/ulikunitz/xz"
)

type archiveEntry struct {
	name    string
	content string
	link    string
	// hardlink turns link into a hard link instead of a symlink
	hardlink bool
}

var sourceTree = []archiveEntry{
	{name: "jsoncpp-1.9.4/"},
	{name: "jsoncpp-1.9.4/CMakeLists.txt", content: "project(jsoncpp)\n"},
	{name: "jsoncpp-1.9.4/src/lib_json/json_value.cpp", content: "// value\n"},
	{name: "jsoncpp-1.9.4/include/json/json.h", content: "#pragma once\n"},
}

func buildTar(t *testing.T, w io.Writer, entries []archiveEntry) {
	t.Helper()

	tw := tar.NewWriter(w)
	for _, entry := range entries {
		hdr := &tar.Header{Name: entry.name, Mode: 0o644}
		switch {
		case entry.link != "" && entry.hardlink:
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = entry.link
		case entry.link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = entry.link
		case entry.name[len(entry.name)-1] == '/':
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(entry.content))
		}

		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}

		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(entry.content)); err != nil {
				t.Fatal(err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeArchive(t *testing.T, name string, entries []archiveEntry) string {
	t.Helper()

	buffer := bytes.Buffer{}
	var closer io.Closer

	switch filepath.Ext(name) {
	case ".zip":
		zw := zip.NewWriter(&buffer)
		for _, entry := range entries {
			w, err := zw.Create(entry.name)
			if err != nil {
				t.Fatal(err)
			}

			if _, err := w.Write([]byte(entry.content)); err != nil {
				t.Fatal(err)
			}
		}
		closer = zw
	case ".gz":
		gw := gzip.NewWriter(&buffer)
		buildTar(t, gw, entries)
		closer = gw
	case ".xz":
		xw, err := xz.NewWriter(&buffer)
		if err != nil {
			t.Fatal(err)
		}
		buildTar(t, xw, entries)
		closer = xw
	case ".br":
		bw := brotli.NewWriter(&buffer)
		buildTar(t, bw, entries)
		closer = bw
	case ".tar":
		buildTar(t, &buffer, entries)
	default:
		t.Fatalf("unsupported test archive %s", name)
	}

	if closer != nil {
		if err := closer.Close(); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, buffer.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func assertFile(t *testing.T, path, content string) {
	t.Helper()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Errorf("expected %s to exist: %v", path, err)
		return
	}

	if string(got) != content {
		t.Errorf("%s = %q, want %q", path, got, content)
	}
}

func TestExtract_Formats(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"src.zip", "src.tar.gz", "src.tar.xz", "src.tar.br", "src.tar"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			archive := writeArchive(t, name, sourceTree)
			dest := filepath.Join(t.TempDir(), "jsoncpp")

			if err := Extract(archive, dest, 1); err != nil {
				t.Fatalf("Extract() returned error: %v", err)
			}

			assertFile(t, filepath.Join(dest, "CMakeLists.txt"), "project(jsoncpp)\n")
			assertFile(t, filepath.Join(dest, "src", "lib_json", "json_value.cpp"), "// value\n")
			assertFile(t, filepath.Join(dest, "include", "json", "json.h"), "#pragma once\n")

			if _, err := os.Stat(filepath.Join(dest, "jsoncpp-1.9.4")); err == nil {
				t.Error("the top-level directory should have been stripped")
			}
		})
	}
}

func TestExtract_NoStrip(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, "src.tar.gz", sourceTree)
	dest := t.TempDir()

	if err := Extract(archive, dest, 0); err != nil {
		t.Fatalf("Extract() returned error: %v", err)
	}

	assertFile(t, filepath.Join(dest, "jsoncpp-1.9.4", "CMakeLists.txt"), "project(jsoncpp)\n")
}

func TestExtract_StripSkipsShallowEntries(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, "src.tar.gz", []archiveEntry{
		{name: "README", content: "top level"},
		{name: "pkg/LICENSE", content: "MIT"},
	})
	dest := t.TempDir()

	if err := Extract(archive, dest, 1); err != nil {
		t.Fatalf("Extract() returned error: %v", err)
	}

	assertFile(t, filepath.Join(dest, "LICENSE"), "MIT")
	if _, err := os.Stat(filepath.Join(dest, "README")); err == nil {
		t.Error("README has fewer components than strip and should be skipped")
	}
}

func TestExtract_StaysInsideDestination(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")

	archive := writeArchive(t, "evil.tar.gz", []archiveEntry{
		{name: "../escaped.txt", content: "gotcha"},
		{name: "sub/../../also-escaped.txt", content: "gotcha"},
	})

	if err := Extract(archive, dest, 0); err != nil {
		t.Fatalf("Extract() returned error: %v", err)
	}

	for _, name := range []string{"escaped.txt", "also-escaped.txt"} {
		if _, err := os.Stat(filepath.Join(parent, name)); err == nil {
			t.Errorf("%s was written outside of the destination", name)
		}
	}
}

func TestExtract_Symlink(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("symlinks need extra privileges on Windows")
	}

	archive := writeArchive(t, "links.tar.gz", []archiveEntry{
		{name: "pkg/lib/libfoo.so.1", content: "elf"},
		{name: "pkg/lib/libfoo.so", link: "libfoo.so.1"},
	})
	dest := t.TempDir()

	if err := Extract(archive, dest, 1); err != nil {
		t.Fatalf("Extract() returned error: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dest, "lib", "libfoo.so"))
	if err != nil {
		t.Fatalf("symlink wasn't created: %v", err)
	}

	if target != "libfoo.so.1" {
		t.Errorf("symlink points to %s, want libfoo.so.1", target)
	}
}

func TestExtract_HardLink(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, "hardlinks.tar.xz", []archiveEntry{
		{name: "exiv2-0.27.3/include/exiv2/exv_conf.h", content: "#define EXV_HAVE_STDINT_H\n"},
		{name: "exiv2-0.27.3/include/exiv2/config.h", link: "exiv2-0.27.3/include/exiv2/exv_conf.h", hardlink: true},
	})
	dest := t.TempDir()

	if err := Extract(archive, dest, 1); err != nil {
		t.Fatalf("Extract() returned error: %v", err)
	}

	assertFile(t, filepath.Join(dest, "include", "exiv2", "config.h"), "#define EXV_HAVE_STDINT_H\n")
}

func TestExtract_HardLinkOutsideTree(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, "hardlinks.tar", []archiveEntry{
		{name: "top.txt", content: "stripped away"},
		{name: "pkg/copy.txt", link: "top.txt", hardlink: true},
	})

	if err := Extract(archive, t.TempDir(), 1); err == nil {
		t.Error("Extract() accepted a hard link to an entry that wasn't extracted")
	}
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "src.rar")
	if err := os.WriteFile(path, []byte("Rar!"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Extract(path, t.TempDir(), 0); err == nil {
		t.Error("Extract() accepted a .rar archive")
	}
}
