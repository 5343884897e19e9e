package util

import (
	"context"
)

// RetryUntilSuccess runs performAction until it succeeds or ctx is cancelled,
// invoking onError after every failed attempt.
func RetryUntilSuccess(ctx context.Context, performAction func() error, onError func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := performAction()
			if err == nil {
				return
			}
			onError(err)
		}
	}
}
