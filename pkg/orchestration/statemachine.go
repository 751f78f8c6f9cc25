package orchestration

import (
	"context"
	"slices"

	"github.com/absmach/anchor/task"
	"k8s.io/utils/clock"
)

var validTransitions = map[task.State][]task.State{
	task.Pending:     {task.Processing, task.Failed},
	task.Processing:  {task.Aggregating, task.Completed, task.Failed},
	task.Aggregating: {task.Completed, task.Failed},
	task.Completed:   {},
	task.Failed:      {},
}

type StateMachine struct {
	clock clock.PassiveClock
}

func NewStateMachine(clk clock.PassiveClock) *StateMachine {
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &StateMachine{clock: clk}
}

func (sm *StateMachine) ValidateTransition(from, to task.State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	return slices.Contains(allowed, to)
}

// TransitionTask moves t to newState. Re-applying the current state is a
// no-op so redelivered jobs leave the task untouched.
func (sm *StateMachine) TransitionTask(ctx context.Context, t *Task, newState task.State) error {
	if t.State == newState {
		return nil
	}
	if !sm.ValidateTransition(t.State, newState) {
		return ErrInvalidStateTransition
	}

	now := sm.clock.Now()
	t.State = newState
	t.UpdatedAt = now

	switch newState {
	case task.Processing:
		if t.StartTime.IsZero() {
			t.StartTime = now
		}
	case task.Completed, task.Failed:
		if t.FinishTime.IsZero() {
			t.FinishTime = now
		}
	}

	return nil
}

func (sm *StateMachine) MarkTaskProcessing(ctx context.Context, t *Task) error {
	return sm.TransitionTask(ctx, t, task.Processing)
}

func (sm *StateMachine) MarkTaskAggregating(ctx context.Context, t *Task) error {
	return sm.TransitionTask(ctx, t, task.Aggregating)
}

func (sm *StateMachine) MarkTaskCompleted(ctx context.Context, t *Task, results any) error {
	if err := sm.TransitionTask(ctx, t, task.Completed); err != nil {
		return err
	}
	t.Results = results

	return nil
}

func (sm *StateMachine) MarkTaskFailed(ctx context.Context, t *Task, errorMsg string) error {
	if err := sm.TransitionTask(ctx, t, task.Failed); err != nil {
		return err
	}
	t.Error = errorMsg

	return nil
}

// MarkSubTask records a worker's report for one chunk. Terminal chunks are
// never rewritten.
func (sm *StateMachine) MarkSubTask(t *Task, subTaskID string, state task.State, result any, errMsg string) error {
	i, ok := t.SubTask(subTaskID)
	if !ok {
		return ErrInvalidStateTransition
	}
	sub := &t.SubTasks[i]
	if sub.State.Terminal() {
		return nil
	}
	if !state.Terminal() && state != task.Processing {
		return ErrInvalidStateTransition
	}

	sub.State = state
	sub.Result = result
	sub.Error = errMsg
	t.UpdatedAt = sm.clock.Now()

	return nil
}
