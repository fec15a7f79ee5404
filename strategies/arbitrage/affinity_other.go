//go:build !linux

package arbitrage

import "go.uber.org/zap"

// pinThread is a no-op where sched_setaffinity is unavailable.
func pinThread(worker int, logger *zap.Logger) {
	logger.Debug("cpu pinning unsupported on this platform", zap.Int("worker", worker))
}
