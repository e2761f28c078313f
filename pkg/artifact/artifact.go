package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrMissing       = errors.New("artifact not found")
	ErrInvalidLayout = errors.New("artifact layout is not valid")
)

// Layout lists doublestar patterns, relative to the product root, each of
// which must match at least one file.
type Layout struct {
	Required []string
}

// Inspector checks the products written by the external executor.
type Inspector interface {
	Exists(ctx context.Context, path string) (bool, error)
	Validate(ctx context.Context, path string, layout Layout) error
}

// checkLayout matches the relative file names of a product against the layout.
func checkLayout(root string, files []string, layout Layout) error {
	var missing []string
	for _, raw := range layout.Required {
		pattern := strings.TrimPrefix(strings.TrimSpace(raw), "/")
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid layout pattern %q", raw)
		}
		found := false
		for _, f := range files {
			if ok, _ := doublestar.Match(pattern, f); ok {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, pattern)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s has no file matching %s", ErrInvalidLayout, root, strings.Join(missing, ", "))
	}
	return nil
}
