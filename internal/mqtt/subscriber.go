package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// maxNotifyBytes caps a notify payload relayed to the owner.
const maxNotifyBytes = 4096

// NotifyFunc delivers a notification text to the owner.
type NotifyFunc func(text string) error

// notifyHandler validates a payload received on the notify topic and
// hands it to notify. Empty, oversized and non-UTF-8 payloads and
// payloads over the rate limit are dropped.
func notifyHandler(notify NotifyFunc, limiter *messageRateLimiter, logger *slog.Logger) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		if !limiter.allow() {
			return
		}
		if len(payload) > maxNotifyBytes || !utf8.Valid(payload) {
			logger.Warn("mqtt notify payload rejected",
				"topic", topic,
				"payload_size", len(payload),
			)
			return
		}
		text := strings.TrimSpace(string(payload))
		if text == "" {
			logger.Debug("mqtt notify payload empty", "topic", topic)
			return
		}
		if err := notify(text); err != nil {
			logger.Warn("mqtt notify delivery failed", "error", err)
			return
		}
		logger.Debug("mqtt notify relayed to owner", "topic", topic, "payload_size", len(payload))
	}
}

// messageRateLimiter drops messages beyond limit per interval. The hot
// path is lock-free.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// warning when anything was dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
