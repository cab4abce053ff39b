package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/volsync/volsync/internal/utils"
)

const (
	// DefaultChunkSize is the streaming copy chunk. Progress and
	// cancellation are observed at chunk granularity.
	DefaultChunkSize = 4 * 1024 * 1024

	DefaultRetries    = 3
	DefaultRetryDelay = time.Second
)

// TransferError means a copy exhausted its retries on I/O failures.
type TransferError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s failed after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// TransferOptions tune one atomic copy. Zero values fall back to defaults.
type TransferOptions struct {
	ChunkSize  int64
	Retries    int
	RetryDelay time.Duration
}

func (o TransferOptions) withDefaults() TransferOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Transfer copies src to dst atomically: content streams into a sibling
// temporary file, source metadata is applied, then one rename makes the
// result visible. A failure or cancellation before the rename leaves the
// destination path untouched.
//
// progress, when non-nil, receives the cumulative bytes written after every
// chunk. Cancellation is cooperative: the in-flight chunk completes, the
// temporary file is removed, and ctx.Err() is returned.
//
// Transient I/O failures restart the whole copy up to opts.Retries times
// with a fixed delay in between; exhausting retries yields *TransferError.
func Transfer(ctx context.Context, src, dst string, progress func(written int64), opts TransferOptions) (int64, error) {
	opts = opts.withDefaults()

	if err := utils.EnsureParent(dst); err != nil {
		return 0, fmt.Errorf("ensure parent of %s: %w", dst, err)
	}

	tmp := dst + TempSuffix

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		written, err := copyOnce(ctx, src, tmp, dst, progress, opts.ChunkSize)
		if err == nil {
			return written, nil
		}

		removeSilent(tmp)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}

		lastErr = err
		if attempt < opts.Retries {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(opts.RetryDelay):
			}
		}
	}

	return 0, &TransferError{Path: dst, Attempts: opts.Retries, Err: lastErr}
}

func copyOnce(ctx context.Context, src, tmp, dst string, progress func(int64), chunkSize int64) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	var written int64
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			return written, err
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				return written, fmt.Errorf("write chunk: %w", writeErr)
			}
			written += int64(n)
			if progress != nil {
				progress(written)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return written, fmt.Errorf("read chunk: %w", readErr)
		}
	}

	// Durability before visibility: flush, close, apply metadata, rename.
	if err := out.Sync(); err != nil {
		out.Close()
		return written, fmt.Errorf("sync temp file: %w", err)
	}
	if err := out.Close(); err != nil {
		return written, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Chmod(tmp, srcInfo.Mode().Perm()); err != nil {
		return written, fmt.Errorf("chmod temp file: %w", err)
	}
	mtime := srcInfo.ModTime()
	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		return written, fmt.Errorf("set temp file times: %w", err)
	}

	// The rename is the only step that makes the transfer visible.
	if err := os.Rename(tmp, dst); err != nil {
		return written, fmt.Errorf("rename temp file to %s: %w", dst, err)
	}

	return written, nil
}

// DeleteFile removes a file with the same retry policy as Transfer, then
// prunes now-empty parent directories up to root.
func DeleteFile(ctx context.Context, path, root string, opts TransferOptions) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			utils.RemoveEmptyParents(path, root)
			return nil
		}
		lastErr = err
		if attempt < opts.Retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.RetryDelay):
			}
		}
	}

	return &TransferError{Path: path, Attempts: opts.Retries, Err: lastErr}
}

func removeSilent(path string) {
	_ = os.Remove(path)
}
