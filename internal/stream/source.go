// Package stream delivers inbound posts from the upstream filter stream or a
// Kafka topic.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/model"
	"github.com/sirupsen/logrus"
)

// maxLineSize bounds a single stream line
const maxLineSize = 1024 * 1024

// Handler receives each decoded post
type Handler func(post *model.Post)

// Source produces posts until ctx is done
type Source interface {
	Run(ctx context.Context, handle Handler) error
}

// dispatch decodes one JSON post and hands it over.
// Blank keep-alive lines are ignored.
func dispatch(data []byte, handle Handler, tracker *metrics.Tracker) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}

	post, err := model.DecodePost(data)
	if err != nil {
		tracker.Inc(metrics.StreamDecodeErrors)
		logrus.Debugf("Skipping stream message: %v", err)
		return
	}

	tracker.Inc(metrics.StreamPosts)
	handle(post)
}

// Consume reads newline-delimited JSON posts until r ends or fails
func Consume(ctx context.Context, r io.Reader, handle Handler, tracker *metrics.Tracker) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dispatch(scanner.Bytes(), handle, tracker)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
