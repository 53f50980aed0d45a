package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/threadline/threadline/internal/logger"
	"github.com/threadline/threadline/pkg/forum"
	"github.com/threadline/threadline/pkg/metrics"
	"github.com/threadline/threadline/pkg/registry"
)

// worker executes one claimed transfer over one data-plane connection.
//
// The stream carries the raw file content with no framing: on upload,
// end-of-stream marks end-of-file; on download, the worker closes the
// connection after the last byte. The audit record is appended only after the
// attachment bytes are safely stored or fully sent, so a failed transfer
// leaves the thread file unmodified.
type worker struct {
	conn     net.Conn
	transfer registry.Transfer
	deps     Deps
	maxBytes int64
}

func (w *worker) run(ctx context.Context) {
	direction := w.transfer.Direction.String()
	w.deps.Metrics.TransferStarted(direction)
	start := time.Now()

	var (
		bytes int64
		err   error
	)
	switch w.transfer.Direction {
	case registry.Upload:
		bytes, err = w.upload(ctx)
	case registry.Download:
		bytes, err = w.download(ctx)
	}

	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusError
		logger.Warn("Transfer failed",
			"id", w.transfer.ID,
			"direction", direction,
			"thread", w.transfer.Title,
			"file", w.transfer.Filename,
			"error", err)
	} else {
		logger.Info("Transfer complete",
			"id", w.transfer.ID,
			"direction", direction,
			"thread", w.transfer.Title,
			"file", w.transfer.Filename,
			"user", w.transfer.Username,
			"bytes", bytes)
	}
	w.deps.Metrics.TransferFinished(direction, status, bytes, time.Since(start))
}

// upload reads the connection to end-of-stream, stores the attachment, and
// appends the upload audit record.
func (w *worker) upload(ctx context.Context) (int64, error) {
	// +1 so an oversized stream is detectable rather than silently truncated.
	data, err := io.ReadAll(io.LimitReader(w.conn, w.maxBytes+1))
	if err != nil {
		return 0, fmt.Errorf("failed to read upload stream: %w", err)
	}
	if int64(len(data)) > w.maxBytes {
		return 0, fmt.Errorf("upload exceeds attachment size limit (%d bytes)", w.maxBytes)
	}

	if err := w.deps.Attachments.Put(ctx, w.transfer.Title, w.transfer.Filename, data); err != nil {
		return 0, err
	}

	if err := w.deps.Threads.AppendAudit(ctx, w.transfer.Title, w.transfer.Username, forum.VerbUploaded, w.transfer.Filename); err != nil {
		// The attachment is stored; only its audit trail is missing.
		return int64(len(data)), fmt.Errorf("failed to append upload audit record: %w", err)
	}
	return int64(len(data)), nil
}

// download sends the stored attachment to the connection and appends the
// download audit record. The listener closes the connection afterwards,
// which is how the client learns the stream is complete.
func (w *worker) download(ctx context.Context) (int64, error) {
	data, err := w.deps.Attachments.Get(ctx, w.transfer.Title, w.transfer.Filename)
	if err != nil {
		return 0, err
	}

	n, err := w.conn.Write(data)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write download stream: %w", err)
	}

	if err := w.deps.Threads.AppendAudit(ctx, w.transfer.Title, w.transfer.Username, forum.VerbDownloaded, w.transfer.Filename); err != nil {
		return int64(n), fmt.Errorf("failed to append download audit record: %w", err)
	}
	return int64(n), nil
}
