package driver

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"go.uber.org/zap"

	apperrors "github.com/claudebox/claudebox/internal/common/errors"
)

const (
	retryAttempts = 3
	retryBaseWait = 500 * time.Millisecond
)

// withRetry runs op up to retryAttempts times, doubling the wait between
// attempts. Only transient engine failures are retried; definitive answers
// (not found, conflict, bad request) surface immediately.
func (d *Driver) withRetry(ctx context.Context, op string, fn func() error) error {
	wait := retryBaseWait
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		d.logger.Warn("engine call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

// isTransient classifies engine errors worth another attempt: socket-level
// failures and the engine's own unavailable/internal answers.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) || cerrdefs.IsAlreadyExists(err) ||
		cerrdefs.IsInvalidArgument(err) || cerrdefs.IsPermissionDenied(err) {
		return false
	}
	if cerrdefs.IsUnavailable(err) || cerrdefs.IsInternal(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "cannot connect to the docker daemon") ||
		strings.Contains(msg, "eof")
}

// mapEngineErr translates a post-retry engine failure into the shared error
// vocabulary. Connectivity failures become EngineUnreachable; everything
// else is Internal with the call context.
func mapEngineErr(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isTransient(err) {
		return apperrors.EngineUnreachable(err)
	}
	return apperrors.Internal(message, err)
}
