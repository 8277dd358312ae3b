// Package snapshot produces the file trees that the mirror pipeline commits.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"freepress/pkg/contentstore"
)

var ErrTooLarge = errors.New("snapshot: exceeds size limit")

// Snapshotter produces an ordered set of (path, bytes) entries.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]contentstore.Entry, error)
}

// Func adapts a function to Snapshotter.
type Func func(ctx context.Context) ([]contentstore.Entry, error)

func (f Func) Snapshot(ctx context.Context) ([]contentstore.Entry, error) { return f(ctx) }

// Dir snapshots a static export directory. Hidden files are skipped and
// symlinks are not followed.
type Dir struct {
	Root     string
	MaxBytes int64 // zero means unlimited
}

func (d *Dir) Snapshot(ctx context.Context) ([]contentstore.Entry, error) {
	info, err := os.Stat(d.Root)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("snapshot: %s is not a directory", d.Root)
	}

	var (
		entries []contentstore.Entry
		total   int64
	)
	err = filepath.WalkDir(d.Root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := de.Name()
		if p != d.Root && len(name) > 0 && name[0] == '.' {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !de.Type().IsRegular() {
			return nil
		}

		fi, err := de.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		if d.MaxBytes > 0 && total > d.MaxBytes {
			return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, d.MaxBytes)
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(d.Root, p)
		if err != nil {
			return err
		}
		entries = append(entries, contentstore.Entry{Path: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTooLarge) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("snapshot: walk %s: %w", d.Root, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("snapshot: %s has no files: %w", d.Root, contentstore.ErrEmptyTree)
	}
	return entries, nil
}
