package artifact

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type filesystemInspector struct{}

// NewFilesystemInspector inspects products on a local or mounted filesystem.
func NewFilesystemInspector() Inspector {
	return &filesystemInspector{}
}

func (f *filesystemInspector) Exists(_ context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to stat %s", path)
	}
	return true, nil
}

func (f *filesystemInspector) Validate(ctx context.Context, path string, layout Layout) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Wrap(ErrMissing, path)
		}
		return errors.Wrapf(err, "failed to stat %s", path)
	}
	if !info.IsDir() {
		return checkLayout(path, []string{filepath.Base(path)}, layout)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to list %s", path)
	}
	return checkLayout(path, files, layout)
}
