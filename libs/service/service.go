package service

import (
	"errors"
	"sync/atomic"

	"github.com/bftengine/bcst/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service.
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started and stopped.
type Service interface {
	Start() error
	Stop() error
	IsRunning() bool
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that BaseService wraps.
type Implementation interface {
	// Called by the Start method. The implementation starts its goroutines
	// here and returns.
	OnStart() error

	// Called by the Stop method, at most once, after a successful OnStart.
	OnStop()
}

// BaseService provides classical-inheritance-style service declarations:
// embed it, implement OnStart/OnStop, and construct with NewBaseService.
// In the absence of errors OnStart and OnStop are called at most once.
// The caller must ensure Start and Stop are not called concurrently.
type BaseService struct {
	Logger log.Logger

	name    string
	started uint32 // atomic
	stopped uint32 // atomic
	quit    chan struct{}

	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BaseService{
		Logger: logger,
		name:   name,
		quit:   make(chan struct{}),
		impl:   impl,
	}
}

// Start starts the service and calls its OnStart method. An error is
// returned if the service is already running or stopped.
func (bs *BaseService) Start() error {
	if atomic.CompareAndSwapUint32(&bs.started, 0, 1) {
		if atomic.LoadUint32(&bs.stopped) == 1 {
			bs.Logger.Error("not starting service; already stopped", "service", bs.name)
			atomic.StoreUint32(&bs.started, 0)
			return ErrAlreadyStopped
		}
		bs.Logger.Info("starting service", "service", bs.name)
		if err := bs.impl.OnStart(); err != nil {
			atomic.StoreUint32(&bs.started, 0)
			return err
		}
		return nil
	}
	return ErrAlreadyStarted
}

// Stop stops the service by calling OnStop and closing the quit channel.
// An error is returned if the service is already stopped or never started.
func (bs *BaseService) Stop() error {
	if atomic.CompareAndSwapUint32(&bs.stopped, 0, 1) {
		if atomic.LoadUint32(&bs.started) == 0 {
			bs.Logger.Error("not stopping service; not started yet", "service", bs.name)
			atomic.StoreUint32(&bs.stopped, 0)
			return ErrNotStarted
		}
		bs.Logger.Info("stopping service", "service", bs.name)
		bs.impl.OnStop()
		close(bs.quit)
		return nil
	}
	return ErrAlreadyStopped
}

// IsRunning returns true when the service is started and not yet stopped.
func (bs *BaseService) IsRunning() bool {
	return atomic.LoadUint32(&bs.started) == 1 && atomic.LoadUint32(&bs.stopped) == 0
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// String returns the service name.
func (bs *BaseService) String() string { return bs.name }
