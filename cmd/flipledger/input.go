package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/recomma/flipledger/bazaar"
	"github.com/recomma/flipledger/ingest"
)

const maxUpdateSize = 8 << 20

type enqueuer interface {
	Enqueue(u bazaar.Update) error
}

// openInput returns the update stream named by path; "-" is stdin.
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// readUpdates decodes one bazaar.Update per line and enqueues it. Lines that
// do not decode or lack an owner are logged and skipped. Updates without a
// receive time are stamped on arrival.
func readUpdates(ctx context.Context, r io.Reader, q enqueuer, logger *slog.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxUpdateSize)

	var (
		lineNo   int
		enqueued int
	)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var u bazaar.Update
		if err := json.Unmarshal(raw, &u); err != nil {
			logger.Warn("skipping undecodable update", slog.Int("line", lineNo), slog.String("error", err.Error()))
			continue
		}
		if u.ReceivedAt.IsZero() {
			u.ReceivedAt = time.Now().UTC()
		}

		if err := q.Enqueue(u); err != nil {
			if errors.Is(err, ingest.ErrShutdown) {
				return enqueued, err
			}
			logger.Warn("skipping update", slog.Int("line", lineNo), slog.String("error", err.Error()))
			continue
		}
		enqueued++
	}
	return enqueued, scanner.Err()
}
