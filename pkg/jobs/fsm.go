package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/looplab/fsm"
)

// Partition states, persisted in pipeline_checkpoints.state.
const (
	statePending        = "pending"
	stateExtracting     = "extracting"
	stateExtracted      = "extracted"
	stateTransforming   = "transforming"
	stateTransformed    = "transformed"
	statePostProcessing = "post_processing"
	stateCompleted      = "completed"
	stateFailed         = "failed"
	stateDeadLettered   = "dead_lettered"
)

const (
	eventExtract     = "extract"
	eventExtracted   = "extracted"
	eventTransform   = "transform"
	eventTransformed = "transformed"
	eventPostProcess = "post_process"
	eventComplete    = "complete"
	eventFail        = "fail"
	eventDeadLetter  = "dead_letter"
)

// inProgressStates may move to failed once retries are exhausted.
var inProgressStates = []string{
	stateExtracting, stateExtracted, stateTransforming, stateTransformed, statePostProcessing,
}

// Re-entering an in-progress state is allowed so a resumed or retried
// partition can restart its current stage.
var partitionEvents = fsm.Events{
	{Name: eventExtract, Src: []string{statePending, stateExtracting}, Dst: stateExtracting},
	{Name: eventExtracted, Src: []string{stateExtracting}, Dst: stateExtracted},
	{Name: eventTransform, Src: []string{stateExtracted, stateTransforming}, Dst: stateTransforming},
	{Name: eventTransformed, Src: []string{stateTransforming}, Dst: stateTransformed},
	{Name: eventPostProcess, Src: []string{stateTransformed, statePostProcessing}, Dst: statePostProcessing},
	{Name: eventComplete, Src: []string{statePostProcessing}, Dst: stateCompleted},
	{Name: eventFail, Src: inProgressStates, Dst: stateFailed},
	{Name: eventDeadLetter, Src: []string{stateFailed}, Dst: stateDeadLettered},
}

// partitionFSM tracks one partition through its stages.
type partitionFSM struct {
	machine *fsm.FSM
}

func newPartitionFSM(initial, partitionKey string, logger *slog.Logger) *partitionFSM {
	if initial == "" {
		initial = statePending
	}
	return &partitionFSM{
		machine: fsm.NewFSM(initial, partitionEvents, fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("partition state changed",
					"partition", partitionKey,
					"from", e.Src,
					"to", e.Dst)
			},
		}),
	}
}

// fire applies event. Staying in the same state is not an error.
func (f *partitionFSM) fire(ctx context.Context, event string) error {
	err := f.machine.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return err
	}
	return nil
}

func (f *partitionFSM) current() string {
	return f.machine.Current()
}

// isFinished reports whether a stored state needs no further work.
func isFinished(state string) bool {
	return state == stateCompleted || state == stateDeadLettered
}

// eventBefore returns the event that enters stage.
func eventBefore(stage Stage) string {
	switch stage {
	case StageExtract, StageLoadRaw:
		return eventExtract
	case StageTransform:
		return eventTransform
	default:
		return eventPostProcess
	}
}

// nextStage returns the stage to run after last completed, and whether
// anything is left.
func nextStage(last Stage) (Stage, bool) {
	switch last {
	case "":
		return StageExtract, true
	case StageExtract:
		return StageLoadRaw, true
	case StageLoadRaw:
		return StageTransform, true
	case StageTransform:
		return StagePostProcess, true
	}
	return "", false
}
