package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNotStable is returned when a file keeps changing until the timeout.
var ErrNotStable = errors.New("file size did not settle")

// WaitForStable polls the size of path every interval and returns once
// checks consecutive readings equal the previous non-zero size.
func WaitForStable(ctx context.Context, path string, interval time.Duration, checks int, timeout time.Duration) error {
	if checks <= 0 {
		checks = 1
	}
	deadline := time.Now().Add(timeout)

	last := int64(-1)
	stable := 0
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}

		size := info.Size()
		if size > 0 && size == last {
			stable++
			if stable >= checks {
				return nil
			}
		} else {
			stable = 0
		}
		last = size

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s (last size %d)", ErrNotStable, path, size)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
