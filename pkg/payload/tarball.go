package payload

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/xam-io/kioskd/pkg/errors"
	"github.com/xam-io/kioskd/pkg/security"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// TarballInstaller installs a payload bundle (tar, tar.gz or tar.zst) into
// <appsDir>/<pkg>. Extraction runs in the background into a staging
// directory that is renamed into place when complete.
type TarballInstaller struct {
	appsDir string
	pkg     string
	limits  security.Limits

	running atomic.Bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastErr error
}

func NewTarballInstaller(appsDir, pkg string, limits security.Limits) *TarballInstaller {
	return &TarballInstaller{appsDir: appsDir, pkg: pkg, limits: limits}
}

// TriggerInstall opens the artifact and starts extraction. Errors that keep
// the install from starting are returned; later failures are logged and
// available from Wait.
func (t *TarballInstaller) TriggerInstall(path string) error {
	if !t.running.CompareAndSwap(false, true) {
		return fmt.Errorf("install of %s already running", t.pkg)
	}

	f, err := os.Open(path)
	if err != nil {
		t.running.Store(false)
		return errors.Wrap(err, "failed to open artifact")
	}
	fi, err := f.Stat()
	if err == nil {
		err = os.MkdirAll(t.appsDir, 0o755)
	}
	if err != nil {
		f.Close()
		t.running.Store(false)
		return errors.Wrap(err, "failed to prepare install")
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.running.Store(false)
		defer f.Close()

		err := t.install(f, fi.Size())
		t.mu.Lock()
		t.lastErr = err
		t.mu.Unlock()
		if err != nil {
			slog.Error("payload_install_failed", "package", t.pkg, "artifact", path, "error", err)
			return
		}
		slog.Info("payload_install_complete", "package", t.pkg, "artifact", path)
	}()
	return nil
}

// Wait blocks until any running install finishes and returns its error.
func (t *TarballInstaller) Wait() error {
	t.wg.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *TarballInstaller) install(r io.Reader, size int64) error {
	staging, err := os.MkdirTemp(t.appsDir, "."+t.pkg+".staging-")
	if err != nil {
		return errors.Wrap(err, "failed to create staging dir")
	}
	defer os.RemoveAll(staging)
	if err := os.Chmod(staging, 0o755); err != nil {
		return errors.Wrap(err, "failed to chmod staging dir")
	}

	body, format, closeBody, err := decompress(r)
	if err != nil {
		return err
	}
	defer closeBody()

	slog.Info("payload_extraction_started", "package", t.pkg, "format", format, "staging", staging)

	v := security.NewValidator(t.limits)
	if err := extractTar(body, staging, v); err != nil {
		return err
	}
	if format != "tar" {
		if err := v.CheckRatio(size); err != nil {
			return err
		}
	}

	final := filepath.Join(t.appsDir, t.pkg)
	if err := os.Rename(staging, final); err != nil {
		return errors.Wrap(err, "failed to move package into place")
	}
	return nil
}

// decompress sniffs the stream's magic bytes.
func decompress(r io.Reader) (io.Reader, string, func(), error) {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(len(zstdMagic))

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, "", nil, errors.Wrap(err, "invalid gzip stream")
		}
		return zr, "tar.gz", func() { zr.Close() }, nil
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, "", nil, errors.Wrap(err, "invalid zstd stream")
		}
		return zr, "tar.zst", zr.Close, nil
	default:
		return br, "tar", func() {}, nil
	}
}

func extractTar(r io.Reader, destDir string, v *security.Validator) error {
	tr := tar.NewReader(r)
	entries := 0

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "tar read error")
		}
		entries++

		if err := v.CheckEntryName(header.Name); err != nil {
			return errors.Wrap(err, "invalid path in tar")
		}
		target := filepath.Join(destDir, header.Name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrap(err, "failed to create directory")
			}

		case tar.TypeReg:
			if err := v.CheckEntrySize(header.Size); err != nil {
				return err
			}
			if err := v.Account(header.Size); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrap(err, "failed to create parent dir")
			}
			if err := writeFile(target, tr, os.FileMode(header.Mode)&os.ModePerm); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := v.CheckSymlink(header.Name, header.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrap(err, "failed to create parent dir")
			}
			if err := os.Symlink(header.Linkname, target); err != nil && !os.IsExist(err) {
				return errors.Wrap(err, "failed to create symlink")
			}

		default:
			slog.Warn("payload_entry_skipped", "entry", header.Name, "type", string(header.Typeflag))
		}
	}

	if entries == 0 {
		return fmt.Errorf("artifact contains no entries")
	}
	return nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return errors.Wrap(err, "failed to write file")
	}
	return errors.Wrap(out.Close(), "failed to close file")
}
