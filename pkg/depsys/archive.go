package depsys

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/rotisserie/eris"
	"github.com/ulikunitz/xz"
)

type archiveExtractor func(f *os.File, dest string, strip int) error

// Extract unpacks archive into dest. The first strip path components of every entry are removed and
// entries which end up empty are skipped.
func Extract(archive, dest string, strip int) error {
	extractor, err := getExtractor(archive)
	if err != nil {
		return err
	}

	f, err := os.Open(archive)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", archive)
	}
	defer f.Close()

	err = os.MkdirAll(dest, 0770)
	if err != nil {
		return eris.Wrapf(err, "failed to create directory %s", dest)
	}

	return extractor(f, dest, strip)
}

// extractorDest strips the leading components from item and maps the rest into destPath. An empty
// result means the entry should be skipped.
func extractorDest(destPath, item string, strip int) (string, error) {
	pathParts := strings.Split(path.Clean(filepath.ToSlash(item)), "/")
	if len(pathParts) <= strip {
		return "", nil
	}

	rel := strings.Join(pathParts[strip:], "/")
	if rel == "" || rel == "." {
		return "", nil
	}

	dest, err := securejoin.SecureJoin(destPath, rel)
	if err != nil {
		return "", eris.Wrapf(err, "invalid archive entry %s", item)
	}

	if dest == filepath.Clean(destPath) {
		return "", nil
	}
	return dest, nil
}

func openExtractorDest(dest string, mode os.FileMode) (*os.File, error) {
	destParent := filepath.Dir(dest)
	err := os.MkdirAll(destParent, os.FileMode(0770))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create directory %s", destParent)
	}

	if mode == 0 {
		mode = 0660
	}

	destHandle, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create file %s", dest)
	}

	return destHandle, nil
}

func getExtractor(archive string) (archiveExtractor, error) {
	switch {
	case strings.HasSuffix(archive, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(archive, ".tar.gz") || strings.HasSuffix(archive, ".tgz"):
		return func(f *os.File, dest string, strip int) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return eris.Wrap(err, "failed to open gzip stream")
			}
			defer reader.Close()

			return extractTar(reader, dest, strip)
		}, nil
	case strings.HasSuffix(archive, ".tar.bz2"):
		return func(f *os.File, dest string, strip int) error {
			return extractTar(bzip2.NewReader(f), dest, strip)
		}, nil
	case strings.HasSuffix(archive, ".tar.xz"):
		return func(f *os.File, dest string, strip int) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return eris.Wrap(err, "failed to open xz stream")
			}

			return extractTar(reader, dest, strip)
		}, nil
	case strings.HasSuffix(archive, ".tar.br"):
		return func(f *os.File, dest string, strip int) error {
			return extractTar(brotli.NewReader(f), dest, strip)
		}, nil
	case strings.HasSuffix(archive, ".tar"):
		return func(f *os.File, dest string, strip int) error {
			return extractTar(f, dest, strip)
		}, nil
	}

	return nil, eris.Errorf("archive format of %s is not supported", filepath.Base(archive))
}

func extractZip(f *os.File, destPath string, strip int) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	// entry names are sanitized by extractorDest
	archive, err := zip.NewReader(f, stat.Size())
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return eris.Wrap(err, "failed to open zip archive")
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		dest, err := extractorDest(destPath, item.Name, strip)
		if err != nil {
			return err
		}

		if dest == "" {
			continue
		}

		err = copyZipEntry(item, dest)
		if err != nil {
			return err
		}
	}

	return nil
}

func copyZipEntry(item *zip.File, dest string) error {
	destHandle, err := openExtractorDest(dest, item.Mode().Perm())
	if err != nil {
		return err
	}
	defer destHandle.Close()

	itemHandle, err := item.Open()
	if err != nil {
		return eris.Wrapf(err, "failed to open archive entry %s", item.Name)
	}
	defer itemHandle.Close()

	_, err = io.Copy(destHandle, itemHandle)
	if err != nil {
		return eris.Wrapf(err, "failed to extract %s", item.Name)
	}

	return destHandle.Close()
}

func extractTar(r io.Reader, destPath string, strip int) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err == io.EOF {
			break
		}

		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return eris.Wrap(err, "failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		dest, err := extractorDest(destPath, item.Name, strip)
		if err != nil {
			return err
		}

		if dest == "" {
			continue
		}

		switch item.Typeflag {
		case tar.TypeSymlink:
			err = os.MkdirAll(filepath.Dir(dest), 0770)
			if err != nil {
				return eris.Wrapf(err, "failed to create directory for %s", dest)
			}

			err = os.Remove(dest)
			if err != nil && !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "failed to remove %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
		case tar.TypeReg:
			destHandle, err := openExtractorDest(dest, fi.Mode().Perm())
			if err != nil {
				return err
			}

			_, err = io.Copy(destHandle, archive)
			if err != nil {
				destHandle.Close()
				return eris.Wrapf(err, "failed to extract %s", item.Name)
			}

			err = destHandle.Close()
			if err != nil {
				return eris.Wrapf(err, "failed to write %s", dest)
			}
		case tar.TypeLink:
			err = copyHardLink(destPath, item, dest, strip)
			if err != nil {
				return err
			}
		default:
			// devices, fifos and the like aren't needed for source archives
			continue
		}
	}

	return nil
}

// copyHardLink copies the previously extracted link target to dest
func copyHardLink(destPath string, item *tar.Header, dest string, strip int) error {
	target, err := extractorDest(destPath, item.Linkname, strip)
	if err != nil {
		return err
	}

	if target == "" {
		return eris.Errorf("hard link %s points to %s which wasn't extracted", item.Name, item.Linkname)
	}

	if target == dest {
		return nil
	}

	src, err := os.Open(target)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s for hard link %s", item.Linkname, item.Name)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return eris.Wrapf(err, "failed to read %s", target)
	}

	if !info.Mode().IsRegular() {
		return eris.Errorf("hard link %s points to %s which isn't a regular file", item.Name, item.Linkname)
	}

	destHandle, err := openExtractorDest(dest, info.Mode().Perm())
	if err != nil {
		return err
	}

	_, err = io.Copy(destHandle, src)
	if err != nil {
		destHandle.Close()
		return eris.Wrapf(err, "failed to extract %s", item.Name)
	}

	err = destHandle.Close()
	if err != nil {
		return eris.Wrapf(err, "failed to write %s", dest)
	}

	return nil
}
