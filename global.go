package zygote

import (
	"os"
	"sync"
)

var (
	globalMu sync.Mutex
	global   *Zygote
)

// Init must be the first call in main. In the parent program it spawns the
// global zygote process exactly once; a second call returns ErrInitialized.
// In the zygote and worker copies of the binary it takes over the process
// and never returns, so no code before Init runs more than the registry
// setup in those copies.
func Init() error {
	switch os.Getenv(modeEnv) {
	case modeZygote:
		serveInit() // does not return
	case modeWorker:
		workerInit() // does not return
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return ErrInitialized
	}
	z, err := New()
	if err != nil {
		return err
	}
	global = z
	return nil
}

// Global returns the zygote created by Init. It panics when called before a
// successful Init, since running tasks without a zygote cannot be recovered
// from locally.
func Global() *Zygote {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		panic("zygote: Global called before Init")
	}
	return global
}

// Shutdown destroys the global zygote. After it returns Init may be called
// again to spawn a fresh one.
func Shutdown() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return ErrNotInitialized
	}
	err := global.Destroy()
	global = nil
	return err
}
