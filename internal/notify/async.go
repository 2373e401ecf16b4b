package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Async sends notifications in the background with a bounded timeout.
// Errors are logged and never reach the caller.
type Async struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	timeout    time.Duration
	wg         sync.WaitGroup
}

func NewAsync(d Dispatcher, logger *slog.Logger, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{dispatcher: d, logger: logger, timeout: timeout}
}

// Send returns immediately. n.Recipient must be set; empty recipients are
// skipped.
func (a *Async) Send(n Notification) {
	if a == nil || a.dispatcher == nil {
		return
	}
	if n.Recipient == "" {
		a.logger.Debug("notification skipped, no recipient", "template", n.Template)
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.dispatcher.Dispatch(ctx, n); err != nil {
			a.logger.Warn("notification dispatch failed",
				"template", n.Template,
				"recipient", n.Recipient,
				"error", err,
			)
		}
	}()
}

// Wait blocks until in-flight notifications finish. Used on shutdown and
// in tests.
func (a *Async) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}
