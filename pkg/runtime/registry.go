package runtime

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Process-wide runtime set. Signal handling is installed once; every
// registered runtime is shut down on SIGINT/SIGTERM. Multiple runtimes
// per process are supported.
var (
	registryMu sync.Mutex
	registry   = make(map[*Runtime]struct{})
	signalOnce sync.Once
)

const signalShutdownTimeout = 10 * time.Second

func register(r *Runtime) {
	registryMu.Lock()
	registry[r] = struct{}{}
	registryMu.Unlock()

	signalOnce.Do(installSignalHandler)
}

func deregister(r *Runtime) {
	registryMu.Lock()
	delete(registry, r)
	registryMu.Unlock()
}

func installSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		// The handler stays armed for the process lifetime so runtimes
		// created after an earlier signal are still covered.
		for sig := range ch {
			slog.Default().Info("shutdown signal received", "signal", sig.String())
			shutdownAll()
		}
	}()
}

// shutdownAll shuts down every registered runtime under the signal
// timeout. Shutdown deregisters each runtime as it completes.
func shutdownAll() {
	registryMu.Lock()
	instances := make([]*Runtime, 0, len(registry))
	for r := range registry {
		instances = append(instances, r)
	}
	registryMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), signalShutdownTimeout)
	defer cancel()
	for _, r := range instances {
		if err := r.Shutdown(ctx); err != nil {
			slog.Default().Error("runtime shutdown failed", "error", err)
		}
	}
}
