package orchestrator

import (
	"context"
	"fmt"

	"harvestplane/internal/store"

	"github.com/looplab/fsm"
)

// Run lifecycle events.
const (
	eventDispatch = "dispatch"
	eventComplete = "complete"
	eventFail     = "fail"
	eventCancel   = "cancel"
)

var statusEvents = map[store.RunStatus]string{
	store.RunStatusRunning:   eventDispatch,
	store.RunStatusCompleted: eventComplete,
	store.RunStatusFailed:    eventFail,
	store.RunStatusCancelled: eventCancel,
}

// newRunFSM builds the run lifecycle machine seeded at the current
// status. Transitions not in the table are rejected, which makes every
// illegal status move (terminal runs changing state, completion before
// dispatch) an explicit error instead of a silent overwrite.
func newRunFSM(current store.RunStatus) *fsm.FSM {
	return fsm.NewFSM(
		string(current),
		fsm.Events{
			{Name: eventDispatch, Src: []string{string(store.RunStatusPending)}, Dst: string(store.RunStatusRunning)},
			{Name: eventComplete, Src: []string{string(store.RunStatusRunning)}, Dst: string(store.RunStatusCompleted)},
			{Name: eventFail, Src: []string{string(store.RunStatusRunning)}, Dst: string(store.RunStatusFailed)},
			{Name: eventCancel, Src: []string{string(store.RunStatusPending), string(store.RunStatusRunning)}, Dst: string(store.RunStatusCancelled)},
		},
		fsm.Callbacks{},
	)
}

// transitionRun validates current → next against the lifecycle machine.
func transitionRun(ctx context.Context, current, next store.RunStatus) error {
	event, ok := statusEvents[next]
	if !ok {
		return fmt.Errorf("no event reaches run status %q", next)
	}
	machine := newRunFSM(current)
	if err := machine.Event(ctx, event); err != nil {
		return fmt.Errorf("run transition %s -> %s: %w", current, next, err)
	}
	return nil
}
