package vbox

import (
	"context"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"time"
)

var (
	retrySleep    = time.Second
	maxRetrySleep = 30 * time.Second
)

// Retryable is an external producer that can be reopened after it fails.
type Retryable interface {
	Open() error
	Close() error
	Start(ctx context.Context) error
	Name() string
}

// retry keeps r running until ctx is done. After a failed Open or Start it
// closes r and waits, doubling the wait up to maxRetrySleep; a Start that
// returns cleanly resets the wait.
func retry(ctx context.Context, r Retryable) error {
	errStarting := errors.New("starting")
	err := errStarting
	sleep := retrySleep
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			if err != errStarting {
				log.WithField("err", err).Errorf("%s: reconnecting due to error", r.Name())
				if cerr := r.Close(); cerr != nil {
					log.WithField("err", cerr).Warnf("%s: unable to close", r.Name())
				}
				select {
				case <-time.After(sleep):
				case <-ctx.Done():
					return ctx.Err()
				}
				sleep *= 2
				if sleep > maxRetrySleep {
					sleep = maxRetrySleep
				}
			}
			if err = r.Open(); err != nil {
				err = errors.Wrap(err, "open")
				continue
			}
		}
		if err = r.Start(ctx); err == nil {
			sleep = retrySleep
		}
	}
}

// runRetryable runs retry for r and reports how it ended. It returns nil
// once ctx is done.
func runRetryable(ctx context.Context, r Retryable) error {
	err := retry(ctx, r)
	if ctx.Err() != nil {
		log.Infof("%s done: %v", r.Name(), err)
		return nil
	}
	return errors.Wrapf(err, "%s", r.Name())
}
