// Package workers holds the long-lived processing loops of the daemon.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
)

// waker is an edge-triggered wake signal. Wake never blocks and a wake sent while nobody
// waits is kept until the next wait.
type waker struct {
	ch chan struct{}
}

func newWaker() *waker {
	return &waker{ch: make(chan struct{}, 1)}
}

// Wake signals the loop
func (w *waker) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C is the channel to wait on
func (w *waker) C() <-chan struct{} {
	return w.ch
}

// sleep waits for d, a wake or ctx; it reports false when ctx is done
func (w *waker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.ch:
	case <-timer.C:
	}
	return true
}

// errUnexpected marks an error recovered from a panic
var errUnexpected = errors.New("unexpected failure")

// recoverTask turns a panic inside a task boundary into an error; it must be deferred directly
func recoverTask(logger *logrus.Logger, component string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"component": component,
		"panic":     r,
		"stack":     string(debug.Stack()),
	}).Error("Recovered from panic in task")
	*errp = fmt.Errorf("%s: %w: %v", component, errUnexpected, r)
}

// flagError marks a series erroneous, logging when the flag cannot be stored
func flagError(status ports.StatusReporter, logger *logrus.Logger, seriesID uint64) {
	if status == nil {
		return
	}
	if err := status.SetStatus(seriesID, models.FlagError, true); err != nil {
		logger.WithError(err).WithField("series_id", seriesID).Warn("Failed to flag series error")
	}
}
