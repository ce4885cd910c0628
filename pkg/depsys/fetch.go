package depsys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
)

// StampFile is the name of the stamp cache inside the download directory
const StampFile = "stamps.gob"

// Fetcher downloads archives into a shared directory and skips downloads which are already present
type Fetcher struct {
	Client *http.Client
	Dir    string
}

// NewFetcher returns a Fetcher storing its downloads in dir
func NewFetcher(dir string) *Fetcher {
	return &Fetcher{
		Client: &http.Client{
			Timeout: time.Minute * 30,
		},
		Dir: dir,
	}
}

func getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

// archiveName maps rawURL to a file name inside the download directory. The prefix keeps URLs which
// share their last path component (i.e. GitHub tag archives) apart.
func archiveName(rawURL string) string {
	urlHash := sha256.Sum256([]byte(rawURL))
	prefix := hex.EncodeToString(urlHash[:])[:16] + "-"

	parsed, err := url.Parse(rawURL)
	if err == nil {
		name := path.Base(parsed.Path)
		if name != "" && name != "." && name != "/" {
			return prefix + name
		}
	}

	return prefix + nanoid.New() + ".bin"
}

func hashFile(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	_, err = io.Copy(hash, f)
	if err != nil {
		return "", eris.Wrapf(err, "failed to read %s", file)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Fetch downloads rawURL unless the stamp cache says it's already there and returns the path to the
// archive. If checksum is empty, the download isn't verified and a warning is logged.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, checksum string) (string, error) {
	checksum = strings.ToLower(checksum)
	err := os.MkdirAll(f.Dir, 0770)
	if err != nil {
		return "", eris.Wrapf(err, "failed to create download directory %s", f.Dir)
	}

	stampPath := filepath.Join(f.Dir, StampFile)
	stamps, err := ReadStamps(stampPath)
	if err != nil {
		return "", err
	}

	stamp, ok := stamps[rawURL]
	if ok && (checksum == "" || checksum == stamp.Sha256) {
		cached := filepath.Join(f.Dir, stamp.File)
		digest, err := hashFile(cached)
		if err == nil && digest == stamp.Sha256 {
			log(ctx).Debug().Str("path", cached).Msgf("%s is already downloaded", rawURL)
			return cached, nil
		}

		if err == nil {
			log(ctx).Warn().Str("path", cached).Msgf("cached download of %s was modified, downloading it again", rawURL)
		}
	}

	if checksum == "" {
		log(ctx).Warn().Msgf("%s has no checksum, the download won't be verified", rawURL)
	}

	tmpPath := filepath.Join(f.Dir, "dl-"+nanoid.New()+".tmp")
	arHandle, err := os.Create(tmpPath)
	if err != nil {
		return "", eris.Wrapf(err, "failed to create %s", tmpPath)
	}
	defer func() {
		arHandle.Close()
		os.Remove(tmpPath)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", eris.Wrapf(err, "invalid URL %s", rawURL)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "failed to start download for %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("download of %s failed with HTTP status %s", rawURL, resp.Status)
	}

	hash := sha256.New()
	bar := getProgressBar(resp.ContentLength, "     download")
	_, err = io.Copy(io.MultiWriter(arHandle, hash, bar), resp.Body)
	if err != nil {
		return "", eris.Wrapf(err, "failed during download of %s", rawURL)
	}
	bar.Finish()

	digest := hex.EncodeToString(hash.Sum(nil))
	if checksum != "" && digest != checksum {
		return "", eris.Errorf("checksum mismatch for %s: expected %s but got %s", rawURL, checksum, digest)
	}

	err = arHandle.Close()
	if err != nil {
		return "", eris.Wrapf(err, "failed to write %s", tmpPath)
	}

	name := archiveName(rawURL)
	dest := filepath.Join(f.Dir, name)
	err = os.Rename(tmpPath, dest)
	if err != nil {
		return "", eris.Wrapf(err, "failed to move download to %s", dest)
	}

	stamps[rawURL] = Stamp{Sha256: digest, File: name}
	err = WriteStamps(stampPath, stamps)
	if err != nil {
		return "", eris.Wrap(err, "failed to update stamps")
	}

	return dest, nil
}
