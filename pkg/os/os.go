package os

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

type logger interface {
	Infow(msg string, keysAndValues ...any)
}

// TrapSignal returns a context that is cancelled once SIGTERM or SIGINT is
// received. The captured signal is logged before cancellation.
func TrapSignal(ctx context.Context, logger logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			logger.Infow("signal trapped", "msg", fmt.Sprintf("captured %v, exiting...", sig))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// EnsureDir ensures the given directory exists, creating it if necessary.
// Errors if the path already exists as a non-directory.
func EnsureDir(dir string, mode os.FileMode) error {
	err := os.MkdirAll(dir, mode)
	if err != nil {
		return fmt.Errorf("could not create directory %q: %w", dir, err)
	}
	return nil
}

// FileExists checks if a file exists.
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}
