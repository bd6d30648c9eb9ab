// Package artifact moves finished GCODE into the directory watched by the
// file lister and announces new files to it.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/MimeLyc/slice-gateway/pkg/errors"
	"github.com/MimeLyc/slice-gateway/pkg/file"
	"github.com/MimeLyc/slice-gateway/pkg/log"
)

const gcodeExt = ".gcode"

// Result describes an artifact that now lives in the destination directory.
type Result struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	// Method is "rename", "copy" or "write".
	Method string `json:"method"`
}

// Relocator owns writes into the destination directory. It never lists or
// deletes anything there.
type Relocator struct {
	destDir  string
	notifier Notifier
	rename   func(oldpath, newpath string) error
	permFile os.FileMode
}

type Option func(*Relocator)

func WithNotifier(n Notifier) Option {
	return func(r *Relocator) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithRenameFunc replaces os.Rename for the fast path.
func WithRenameFunc(fn func(oldpath, newpath string) error) Option {
	return func(r *Relocator) {
		if fn != nil {
			r.rename = fn
		}
	}
}

func NewRelocator(destDir string, opts ...Option) *Relocator {
	r := &Relocator{
		destDir:  destDir,
		notifier: LogNotifier{},
		rename:   os.Rename,
		permFile: 0o644,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relocator) DestDir() string {
	return r.destDir
}

// SanitizeFilename reduces name to a safe base name ending in .gcode.
func SanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = norm.NFC.String(filepath.Base(name))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", errors.Newf(errors.InvalidRequest, "invalid artifact filename %q", name)
	}
	return file.EnsureExt(name, gcodeExt), nil
}

// Relocate moves src into the destination directory as filename. A missing
// source means upstream reported an artifact it did not produce.
func (r *Relocator) Relocate(ctx context.Context, src, filename string) (*Result, error) {
	name, err := SanitizeFilename(filename)
	if err != nil {
		return nil, errors.Wrap(errors.RelocationFailed, "cannot relocate artifact", err)
	}

	info, err := os.Stat(src)
	if err != nil || !info.Mode().IsRegular() {
		e := errors.New(errors.UpstreamError, "upstream reported an artifact that does not exist").
			WithContext("source", src)
		e.Cause = err
		return nil, e
	}

	if err := r.checkDestDir(); err != nil {
		return nil, err
	}

	dest := filepath.Join(r.destDir, name)
	method := "rename"
	if err := r.rename(src, dest); err != nil {
		log.Debug("Rename %s -> %s failed (%v), copying instead", src, dest, err)
		method = "copy"
		if err := r.copyInto(ctx, src, dest); err != nil {
			return nil, errors.Wrap(errors.RelocationFailed, "failed to move artifact into destination", err).
				WithContext("source", src).
				WithContext("destination", dest)
		}
	}

	res := &Result{Filename: name, Path: dest, Size: info.Size(), Method: method}
	log.Info("Relocated artifact %s to %s (%d bytes, %s)", src, dest, res.Size, method)
	r.notify(ctx, res)
	return res, nil
}

// Store writes an artifact received inline from upstream.
func (r *Relocator) Store(ctx context.Context, filename string, src io.Reader) (*Result, error) {
	name, err := SanitizeFilename(filename)
	if err != nil {
		return nil, errors.Wrap(errors.RelocationFailed, "cannot store artifact", err)
	}
	if err := r.checkDestDir(); err != nil {
		return nil, err
	}

	dest := filepath.Join(r.destDir, name)
	size, err := r.writeAtomic(ctx, dest, src)
	if err != nil {
		return nil, errors.Wrap(errors.RelocationFailed, "failed to write GCODE file", err).
			WithContext("destination", dest)
	}

	res := &Result{Filename: name, Path: dest, Size: size, Method: "write"}
	log.Info("Stored artifact %s (%d bytes)", dest, size)
	r.notify(ctx, res)
	return res, nil
}

func (r *Relocator) checkDestDir() error {
	info, err := os.Stat(r.destDir)
	if err != nil {
		return errors.Wrap(errors.RelocationFailed, "destination directory is not accessible", err).
			WithContext("destination", r.destDir)
	}
	if !info.IsDir() {
		return errors.Newf(errors.RelocationFailed, "destination %s is not a directory", r.destDir)
	}
	return nil
}

func (r *Relocator) notify(ctx context.Context, res *Result) {
	if err := r.notifier.NotifyNewFile(ctx, res); err != nil {
		log.Warn("Failed to notify file lister about %s: %v", res.Filename, err)
	}
}

func (r *Relocator) copyInto(ctx context.Context, src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if _, err := r.writeAtomic(ctx, dest, in); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		log.Warn("Copied %s but could not remove the source: %v", src, err)
	}
	return nil
}

// writeAtomic streams src into a temp file next to dest, syncs it and renames
// it into place, so the file lister never sees a partial file.
func (r *Relocator) writeAtomic(ctx context.Context, dest string, src io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*"+gcodeExt+".part")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	_ = os.Chmod(tmpPath, r.permFile)

	n, err := io.Copy(tmp, readerWithCtx(ctx, src))
	if err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("rename into place: %w", err)
	}
	_ = syncDir(dir)
	return n, nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
