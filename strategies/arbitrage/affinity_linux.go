//go:build linux

package arbitrage

import (
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pinThread binds the calling goroutine to one core for the life of the
// worker. The OS thread is locked first so the affinity mask follows the
// goroutine, not whichever thread happened to run it.
func pinThread(worker int, logger *zap.Logger) {
	runtime.LockOSThread()
	core := worker % runtime.NumCPU()
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		logger.Warn("cpu pin failed, worker runs unpinned",
			zap.Int("worker", worker),
			zap.Int("core", core),
			zap.Error(err))
		return
	}
	logger.Debug("worker pinned", zap.Int("worker", worker), zap.Int("core", core))
}
