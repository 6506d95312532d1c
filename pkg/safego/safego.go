package safego

import (
	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery so a bug in a relay or
// watcher goroutine (stream relay, config watcher) logs and dies alone
// instead of taking the whole gateway process down with it.
//
// Usage:
//
//	safego.Go(logger, "forwarder-relay-stream", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
