package statetransfer

import "errors"

var (
	// ErrNotInitialized is returned when a control call arrives before Init.
	ErrNotInitialized = errors.New("state transfer not initialized")
	// ErrAlreadyRunning is returned when Init is invoked after StartRunning.
	ErrAlreadyRunning = errors.New("state transfer already running")
	// ErrNotRunning is returned by control calls that require a running
	// engine.
	ErrNotRunning = errors.New("state transfer not running")
	// ErrAlreadyCollecting is returned by StartCollectingState while a
	// transfer is in progress.
	ErrAlreadyCollecting = errors.New("already collecting state")
	// ErrCollecting is returned by control calls that are forbidden while a
	// transfer is in progress.
	ErrCollecting = errors.New("collecting state")
	// ErrInvalidPageID is returned for reserved-page accesses outside the
	// configured address space.
	ErrInvalidPageID = errors.New("reserved page id out of range")
	// ErrPageTooLarge is returned when saving more bytes than the page size.
	ErrPageTooLarge = errors.New("data exceeds reserved page size")
	// ErrNonMonotonicCheckpoint is returned when checkpoints are created out
	// of order.
	ErrNonMonotonicCheckpoint = errors.New("checkpoint number not monotonically increasing")
	// ErrBadInitArgs is returned by Init for out-of-range sizing.
	ErrBadInitArgs = errors.New("invalid init arguments")
	// ErrConfigMismatch is returned when a reopened datastore was
	// initialized under a different configuration.
	ErrConfigMismatch = errors.New("datastore configuration mismatch")
)
