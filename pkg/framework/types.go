package framework

import (
	"context"
	"time"
)

// Named is an abstraction for things with a name.
type Named interface {
	Name() string
}

// Runnable defines a generic interface for background runners.
type Runnable interface {
	Run(context.Context) error
}

// RunFunc is the func form of Runnable.
type RunFunc func(context.Context) error

// Run implements Runnable.
func (f RunFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Message defines the abstract message to be consumed
// by the loop or its tasks.
type Message interface{}

// TriggerMessage asks the loop to run the named task in
// the next iteration regardless of its schedule.
type TriggerMessage struct {
	Task string
}

// Task defines a unit of periodic work.
type Task interface {
	Execute(TickContext) error
}

// TaskFunc is the func form of Task.
type TaskFunc func(TickContext) error

// Execute implements Task.
func (f TaskFunc) Execute(tc TickContext) error {
	return f(tc)
}

// TimeSource provides the time of the current iteration.
type TimeSource interface {
	Time() time.Time
}

// TickContext provides the context of the current iteration.
type TickContext interface {
	TimeSource
	// Context retrieves context.Context.
	Context() context.Context
	// Tick is the number of scheduled iterations before this one.
	// Iterations woken up by a trigger share the tick of the
	// previous scheduled one.
	Tick() uint64
	// Triggered reports whether the task runs because of a trigger.
	Triggered() bool
	// PriorityLevel gets the current priority level.
	PriorityLevel() int
	// Messages retrieves the messages collected when
	// this iteration started.
	Messages() MessageStore

	LoopControl
}

// PriorityLevels is the total levels of priorities.
const PriorityLevels int = 8

// Predefined priority levels.
const (
	PrLvTop    int = 0
	PrLvHigh   int = 2
	PrLvNormal int = 4
	PrLvLow    int = 6
	PrLvIdle   int = PriorityLevels - 1

	// PrLvSense is the priority level for measurements.
	PrLvSense = PrLvHigh
	// PrLvMaintenance is the priority level for firmware checks.
	PrLvMaintenance = PrLvLow
)

// LoopControl exposes access to the loop.
type LoopControl interface {
	// Trigger schedules the named task for the next iteration and wakes
	// the loop up. It returns false if no task has that name.
	Trigger(name string) bool
	// PostMessage enqueues the message for the next iteration.
	PostMessage(Message)
	// TriggerNext wakes the loop up immediately after the current
	// iteration.
	TriggerNext()
}

// MessageStore provides read/write access to a list of messages.
type MessageStore interface {
	// ProcessMessages uses a processor to process all messages.
	ProcessMessages(MessageProcessor)

	MessageAppender
}

// MessageAppender appends message to store.
type MessageAppender interface {
	// AddMessages appends messages to the store for next processing cycle.
	AddMessages(msgs ...Message)
}

// MessageProcessor is used by MessageStore to process messages.
type MessageProcessor interface {
	ProcessMessage(MessageProcessingContext)
}

// ProcessMessageFunc is the func form of MessageProcessor.
type ProcessMessageFunc func(MessageProcessingContext)

// ProcessMessage implements MessageProcessor.
func (f ProcessMessageFunc) ProcessMessage(mc MessageProcessingContext) {
	f(mc)
}

// MessageProcessingContext provides context for current message.
type MessageProcessingContext interface {
	// CurrentMessage gets the current message being processed.
	CurrentMessage() Message
	// MessageTaken indicates the message has been processed and
	// should be removed from store.
	MessageTaken()
	// StopProcessing indicates no need to examine further messages.
	StopProcessing()

	MessageAppender
}
