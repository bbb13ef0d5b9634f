package internal

import (
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/statekit"
)

// PipelineState is the stage a single conversion is in
type PipelineState int

const (
	StateIdle PipelineState = iota
	StateDecoding
	StateDimensioning
	StateConverting
	StateReleasing
	StateDone
	StateFailed
)

func (s PipelineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	case StateDimensioning:
		return "dimensioning"
	case StateConverting:
		return "converting"
	case StateReleasing:
		return "releasing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible
func (s PipelineState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// StateObserver is notified of every state transition of a pipeline
type StateObserver func(file InputFile, from, to PipelineState)

// pipelineContext is the statechart context of one conversion
type pipelineContext struct {
	file     InputFile
	pipeline PipelineChoice
	state    PipelineState
	observer StateObserver
}

// transitionPayload rides on every event sent to a pipeline machine
type transitionPayload struct {
	to PipelineState
}

func stateID(s PipelineState) statekit.StateID {
	return statekit.StateID(s.String())
}

// eventFor returns the event that moves a pipeline into the given state
func eventFor(to PipelineState) statekit.EventType {
	switch to {
	case StateDecoding:
		return "DECODE"
	case StateDimensioning:
		return "DIMENSION"
	case StateConverting:
		return "CONVERT"
	case StateReleasing:
		return "RELEASE"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAIL"
	default:
		return statekit.EventType(to.String())
	}
}

func logPipelineEntry(ctx **pipelineContext, event statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	c := *ctx
	slog.Debug("Pipeline state", "file", c.file.Name, "pipeline", c.pipeline.String(), "state", c.state.String(), "event", string(event.Type))
}

func recordPipelineTransition(ctx **pipelineContext, event statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	payload, ok := event.Payload.(transitionPayload)
	if !ok {
		return
	}
	c := *ctx
	from := c.state
	c.state = payload.to
	if c.observer != nil {
		c.observer(c.file, from, payload.to)
	}
}

// newPipelineMachine builds the statechart of one pipeline. The HEIC chart routes every
// path through Releasing so the decoder is freed before a terminal state. The generic
// path never holds a decoder and goes straight from Converting to Done or Failed.
func newPipelineMachine(pipeline PipelineChoice, ctx *pipelineContext) (*statekit.MachineConfig[*pipelineContext], error) {
	b := statekit.NewMachine[*pipelineContext](pipeline.String()).
		WithInitial(stateID(StateIdle)).
		WithContext(ctx).
		WithAction("logEntry", logPipelineEntry).
		WithAction("recordTransition", recordPipelineTransition)

	if pipeline == PipelineGeneric {
		return b.
			State(stateID(StateIdle)).
				OnEntry("logEntry").
				On(eventFor(StateConverting)).Target(stateID(StateConverting)).Do("recordTransition").
				Done().
			State(stateID(StateConverting)).
				OnEntry("logEntry").
				On(eventFor(StateDone)).Target(stateID(StateDone)).Do("recordTransition").
				On(eventFor(StateFailed)).Target(stateID(StateFailed)).Do("recordTransition").
				Done().
			State(stateID(StateDone)).
				Final().
				OnEntry("logEntry").
				Done().
			State(stateID(StateFailed)).
				Final().
				OnEntry("logEntry").
				Done().
			Build()
	}

	return b.
		State(stateID(StateIdle)).
			OnEntry("logEntry").
			On(eventFor(StateDecoding)).Target(stateID(StateDecoding)).Do("recordTransition").
			Done().
		State(stateID(StateDecoding)).
			OnEntry("logEntry").
			On(eventFor(StateDimensioning)).Target(stateID(StateDimensioning)).Do("recordTransition").
			On(eventFor(StateReleasing)).Target(stateID(StateReleasing)).Do("recordTransition").
			Done().
		State(stateID(StateDimensioning)).
			OnEntry("logEntry").
			On(eventFor(StateConverting)).Target(stateID(StateConverting)).Do("recordTransition").
			On(eventFor(StateReleasing)).Target(stateID(StateReleasing)).Do("recordTransition").
			Done().
		State(stateID(StateConverting)).
			OnEntry("logEntry").
			On(eventFor(StateReleasing)).Target(stateID(StateReleasing)).Do("recordTransition").
			Done().
		State(stateID(StateReleasing)).
			OnEntry("logEntry").
			On(eventFor(StateDone)).Target(stateID(StateDone)).Do("recordTransition").
			On(eventFor(StateFailed)).Target(stateID(StateFailed)).Do("recordTransition").
			Done().
		State(stateID(StateDone)).
			Final().
			OnEntry("logEntry").
			Done().
		State(stateID(StateFailed)).
			Final().
			OnEntry("logEntry").
			Done().
		Build()
}

// pipelineRun drives the statechart of one conversion
type pipelineRun struct {
	ctx    *pipelineContext
	interp *statekit.Interpreter[*pipelineContext]
}

func newPipelineRun(file InputFile, pipeline PipelineChoice, observer StateObserver) *pipelineRun {
	ctx := &pipelineContext{file: file, pipeline: pipeline, state: StateIdle, observer: observer}
	machine, err := newPipelineMachine(pipeline, ctx)
	if err != nil {
		panic(fmt.Sprintf("%s pipeline: invalid statechart: %v", pipeline, err))
	}
	interp := statekit.NewInterpreter(machine)
	interp.UpdateContext(func(c **pipelineContext) {
		*c = ctx
	})
	interp.Start()
	return &pipelineRun{ctx: ctx, interp: interp}
}

// State returns the state the run is in
func (r *pipelineRun) State() PipelineState {
	return r.ctx.state
}

// Done reports whether the run reached Done or Failed
func (r *pipelineRun) Done() bool {
	return r.interp.Done()
}

// enter moves the run to the next state. An event the chart does not accept is a
// programming error.
func (r *pipelineRun) enter(to PipelineState) {
	from := r.ctx.state
	r.interp.Send(statekit.Event{Type: eventFor(to), Payload: transitionPayload{to: to}})
	if !r.interp.Matches(stateID(to)) || r.ctx.state != to {
		panic(fmt.Sprintf("%s pipeline: disallowed transition %s -> %s", r.ctx.pipeline, from, to))
	}
}
