package authcore

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation names one independently trackable asynchronous auth action.
type Operation string

// The closed set of tracked operations.
const (
	OpSignIn         Operation = "signIn"
	OpSignUp         Operation = "signUp"
	OpSignOut        Operation = "signOut"
	OpResetPassword  Operation = "resetPassword"
	OpMagicLink      Operation = "magicLink"
	OpGoogleSignIn   Operation = "googleSignIn"
	OpRefreshSession Operation = "refreshSession"
	OpUpdateProfile  Operation = "updateProfile"
)

var defaultOperationMessages = map[Operation]string{
	OpSignIn:         "Signing you in...",
	OpSignUp:         "Creating your account...",
	OpSignOut:        "Signing you out...",
	OpResetPassword:  "Sending the password reset email...",
	OpMagicLink:      "Sending your sign-in link...",
	OpGoogleSignIn:   "Connecting your Google account...",
	OpRefreshSession: "Restoring your session...",
	OpUpdateProfile:  "Saving your profile...",
}

// KnownOperation maps a wire name onto the closed operation set.
func KnownOperation(name string) (Operation, bool) {
	candidate := Operation(name)
	if _, known := defaultOperationMessages[candidate]; !known {
		return "", false
	}
	return candidate, true
}

// DefaultWatchdogTimeout force-finishes a loading entry whose Finish was
// never invoked, so a missed cleanup cannot leave the UI stuck forever.
const DefaultWatchdogTimeout = 30 * time.Second

// OperationState is the loading entry for one operation.
type OperationState struct {
	IsLoading bool
	Message   string
	Progress  int
}

// loadingState is the value manipulated by the pure transition function.
type loadingState struct {
	entries map[Operation]OperationState
	queue   []Operation
}

type actionKind int

const (
	actionStart actionKind = iota
	actionProgress
	actionFinish
	actionClear
)

// loadingAction is the closed set of state transitions.
type loadingAction struct {
	kind     actionKind
	op       Operation
	message  string
	progress int
}

// applyLoadingAction is the pure transition function: it never mutates the
// input state and ignores actions that do not apply, such as a progress
// update for an operation that is not loading.
func applyLoadingAction(state loadingState, action loadingAction) loadingState {
	next := loadingState{
		entries: make(map[Operation]OperationState, len(state.entries)),
		queue:   append([]Operation(nil), state.queue...),
	}
	for op, entry := range state.entries {
		next.entries[op] = entry
	}

	switch action.kind {
	case actionStart:
		if _, active := next.entries[action.op]; !active {
			next.queue = append(next.queue, action.op)
		}
		next.entries[action.op] = OperationState{
			IsLoading: true,
			Message:   action.message,
			Progress:  0,
		}
	case actionProgress:
		entry, active := next.entries[action.op]
		if !active || !entry.IsLoading {
			return state
		}
		entry.Progress = clampProgress(action.progress)
		if action.message != "" {
			entry.Message = action.message
		}
		next.entries[action.op] = entry
	case actionFinish:
		if _, active := next.entries[action.op]; !active {
			return state
		}
		delete(next.entries, action.op)
		next.queue = removeOperation(next.queue, action.op)
	case actionClear:
		next.entries = make(map[Operation]OperationState)
		next.queue = nil
	}
	return next
}

func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

func removeOperation(queue []Operation, op Operation) []Operation {
	filtered := queue[:0]
	for _, queued := range queue {
		if queued != op {
			filtered = append(filtered, queued)
		}
	}
	return filtered
}

// LoadingTracker tracks named concurrent operations with a per-operation
// watchdog safety net. Operations are idempotent flags, not reference
// counts: re-starting an active operation refreshes its message and timer.
type LoadingTracker struct {
	mutex           sync.Mutex
	state           loadingState
	watchdogs       map[Operation]*time.Timer
	generations     map[Operation]uint64
	watchdogTimeout time.Duration
	logger          *zap.Logger
	metrics         MetricsRecorder
}

// NewLoadingTracker constructs a tracker. A non-positive timeout falls back
// to DefaultWatchdogTimeout.
func NewLoadingTracker(trackerLogger *zap.Logger, metrics MetricsRecorder, watchdogTimeout time.Duration) *LoadingTracker {
	if trackerLogger == nil {
		trackerLogger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	if watchdogTimeout <= 0 {
		watchdogTimeout = DefaultWatchdogTimeout
	}
	return &LoadingTracker{
		state: loadingState{
			entries: make(map[Operation]OperationState),
		},
		watchdogs:       make(map[Operation]*time.Timer),
		generations:     make(map[Operation]uint64),
		watchdogTimeout: watchdogTimeout,
		logger:          trackerLogger,
		metrics:         metrics,
	}
}

// Start marks the operation as loading with progress zero. An empty message
// selects the per-operation default. Restarting an active operation replaces
// its message and re-arms its single watchdog timer.
func (tracker *LoadingTracker) Start(op Operation, message string) {
	if message == "" {
		message = defaultOperationMessages[op]
	}
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.state = applyLoadingAction(tracker.state, loadingAction{kind: actionStart, op: op, message: message})
	tracker.armWatchdogLocked(op)
}

// UpdateProgress clamps progress into [0,100]. It is a no-op when the
// operation is not currently loading, which discards stale writes arriving
// after completion.
func (tracker *LoadingTracker) UpdateProgress(op Operation, progress int, message string) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.state = applyLoadingAction(tracker.state, loadingAction{kind: actionProgress, op: op, progress: progress, message: message})
}

// Finish cancels the watchdog and removes the entry.
func (tracker *LoadingTracker) Finish(op Operation) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.finishLocked(op)
}

// ClearAll cancels every watchdog and resets the tracker to empty.
func (tracker *LoadingTracker) ClearAll() {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	for op, watchdog := range tracker.watchdogs {
		watchdog.Stop()
		delete(tracker.watchdogs, op)
	}
	tracker.state = applyLoadingAction(tracker.state, loadingAction{kind: actionClear})
}

// IsLoading reports whether the named operation is currently loading.
func (tracker *LoadingTracker) IsLoading(op Operation) bool {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	entry, active := tracker.state.entries[op]
	return active && entry.IsLoading
}

// GlobalLoading reports whether any operation is loading.
func (tracker *LoadingTracker) GlobalLoading() bool {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	return len(tracker.state.entries) > 0
}

// State returns the loading entry for the operation.
func (tracker *LoadingTracker) State(op Operation) (OperationState, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	entry, active := tracker.state.entries[op]
	return entry, active
}

// Message returns the current message for the operation, empty when idle.
func (tracker *LoadingTracker) Message(op Operation) string {
	entry, active := tracker.State(op)
	if !active {
		return ""
	}
	return entry.Message
}

// ActiveOperations returns the active names in start order.
func (tracker *LoadingTracker) ActiveOperations() []Operation {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	return append([]Operation(nil), tracker.state.queue...)
}

func (tracker *LoadingTracker) finishLocked(op Operation) {
	if watchdog, armed := tracker.watchdogs[op]; armed {
		watchdog.Stop()
		delete(tracker.watchdogs, op)
	}
	tracker.state = applyLoadingAction(tracker.state, loadingAction{kind: actionFinish, op: op})
}

func (tracker *LoadingTracker) armWatchdogLocked(op Operation) {
	if existing, armed := tracker.watchdogs[op]; armed {
		existing.Stop()
	}
	tracker.generations[op]++
	generation := tracker.generations[op]
	tracker.watchdogs[op] = time.AfterFunc(tracker.watchdogTimeout, func() {
		tracker.expireOperation(op, generation)
	})
}

// expireOperation runs on the watchdog goroutine. A timer that already fired
// survives the Stop in armWatchdogLocked, so the generation recorded at arm
// time is compared here: a stale callback must not finish an operation that
// was restarted while it waited for the mutex.
func (tracker *LoadingTracker) expireOperation(op Operation, generation uint64) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if tracker.generations[op] != generation {
		return
	}
	if _, active := tracker.state.entries[op]; !active {
		return
	}
	tracker.logger.Warn("loading watchdog force-finished operation",
		zap.String("code", "loading.watchdog_fired"),
		zap.String("operation", string(op)),
		zap.Duration("timeout", tracker.watchdogTimeout))
	tracker.metrics.Increment("loading.watchdog_fired")
	tracker.finishLocked(op)
}
