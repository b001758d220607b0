package framework

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultInterval is the tick interval of a Loop without one.
const DefaultInterval = 60 * time.Second

// Loop runs scheduled tasks on a fixed tick, one at a time in priority
// order. Task errors are logged and never stop the loop.
type Loop struct {
	Interval time.Duration

	tasks   [PriorityLevels]taskList
	names   map[string]*scheduledTask
	runners []Runnable

	messages messageList
	lock     sync.Mutex

	tick     uint64
	wakeUpCh chan struct{}
}

type scheduledTask struct {
	name      string
	task      Task
	every     uint64
	triggered bool
}

func (t *scheduledTask) due(tick uint64) bool {
	return tick%t.every == 0
}

type taskList struct {
	tasks []*scheduledTask
}

type loopIteration struct {
	*Loop
	ctx           context.Context
	time          time.Time
	tick          uint64
	priorityLevel int
	triggered     bool
	messages      messageList
}

type messageList struct {
	head *messageItem
	tail *messageItem
}

type messageItem struct {
	msg  Message
	next *messageItem
}

func (l *messageList) append(item *messageItem) {
	if l.head == nil {
		l.head = item
	} else {
		l.tail.next = item
	}
	l.tail = item
}

func (l *messageList) splice(src *messageList) {
	l.head, l.tail, src.head, src.tail = src.head, src.tail, nil, nil
}

func (l *messageList) concat(lst *messageList) {
	if lst.head == nil {
		return
	}
	if l.head == nil {
		l.head = lst.head
	} else {
		l.tail.next = lst.head
	}
	l.tail = lst.tail
}

// NewLoop creates a Loop ticking at interval.
func NewLoop(interval time.Duration) *Loop {
	return &Loop{
		Interval: interval,
		names:    make(map[string]*scheduledTask),
		wakeUpCh: make(chan struct{}, 1),
	}
}

// AddTask registers a task which runs on every tick divisible by every,
// the first tick included. An every of 0 is treated as 1.
func (l *Loop) AddTask(priorityLevel int, name string, every uint64, task Task) *Loop {
	if every == 0 {
		every = 1
	}
	t := &scheduledTask{name: name, task: task, every: every}
	l.lock.Lock()
	if l.names == nil {
		l.names = make(map[string]*scheduledTask)
	}
	l.names[name] = t
	l.lock.Unlock()
	lst := &l.tasks[priorityLevel]
	lst.tasks = append(lst.tasks, t)
	glog.V(4).Infof("task %s added at level %d, every %d ticks", name, priorityLevel, every)
	return l
}

// AddRunnable adds Runnables running alongside the loop.
func (l *Loop) AddRunnable(runnables ...Runnable) *Loop {
	l.runners = append(l.runners, runnables...)
	return l
}

// Run implements Runnable. The first iteration runs immediately.
func (l *Loop) Run(ctx context.Context) error {
	if l.wakeUpCh == nil {
		l.wakeUpCh = make(chan struct{}, 1)
	}

	runner := NewRunnerWith(ctx)
	runner.Go(l.runners...)
	defer runner.Wait()

	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.runIteration(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.runIteration(ctx, true)
		case <-l.wakeUpCh:
			l.runIteration(ctx, false)
		}
	}
}

// Trigger implements LoopControl.
func (l *Loop) Trigger(name string) bool {
	l.lock.Lock()
	_, ok := l.names[name]
	l.lock.Unlock()
	if !ok {
		glog.Warningf("trigger of unknown task %s", name)
		return false
	}
	l.PostMessage(&TriggerMessage{Task: name})
	l.TriggerNext()
	return true
}

// PostMessage implements LoopControl.
func (l *Loop) PostMessage(msg Message) {
	l.lock.Lock()
	l.messages.append(&messageItem{msg: msg})
	l.lock.Unlock()
}

// TriggerNext implements LoopControl.
func (l *Loop) TriggerNext() {
	select {
	case l.wakeUpCh <- struct{}{}:
	default:
	}
}

func (l *Loop) runIteration(ctx context.Context, scheduled bool) {
	iter := &loopIteration{Loop: l, time: time.Now()}
	l.lock.Lock()
	iter.messages.splice(&l.messages)
	iter.tick = l.tick
	if scheduled {
		l.tick++
	}
	l.lock.Unlock()
	iter.ctx = ctx
	iter.ProcessMessages(ProcessMessageFunc(func(mc MessageProcessingContext) {
		if trigger, ok := mc.CurrentMessage().(*TriggerMessage); ok {
			mc.MessageTaken()
			if t := l.names[trigger.Task]; t != nil {
				t.triggered = true
			}
		}
	}))
	for i := 0; i < PriorityLevels; i++ {
		iter.priorityLevel = i
		l.tasks[i].run(iter, scheduled)
	}
	if iter.messages.head != nil {
		l.lock.Lock()
		iter.messages.concat(&l.messages)
		l.messages = iter.messages
		l.lock.Unlock()
	}
}

func (c *taskList) run(iter *loopIteration, scheduled bool) {
	for _, t := range c.tasks {
		if ctxDone(iter.ctx) {
			return
		}
		triggered := t.triggered
		if !triggered && !(scheduled && t.due(iter.tick)) {
			continue
		}
		t.triggered = false
		iter.triggered = triggered
		glog.V(4).Infof("task %s run at tick %d (triggered=%v)", t.name, iter.tick, triggered)
		if err := t.task.Execute(iter); err != nil {
			glog.Errorf("task %s error: %v", t.name, err)
		}
	}
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (t *loopIteration) Context() context.Context {
	return t.ctx
}

func (t *loopIteration) Time() time.Time {
	return t.time
}

func (t *loopIteration) Tick() uint64 {
	return t.tick
}

func (t *loopIteration) Triggered() bool {
	return t.triggered
}

func (t *loopIteration) PriorityLevel() int {
	return t.priorityLevel
}

func (t *loopIteration) Messages() MessageStore {
	return t
}

// MessageStore implementations

type messageContext struct {
	iter  *loopIteration
	item  *messageItem
	taken bool
	stop  bool
}

func (c *messageContext) CurrentMessage() Message     { return c.item.msg }
func (c *messageContext) MessageTaken()               { c.taken = true }
func (c *messageContext) StopProcessing()             { c.stop = true }
func (c *messageContext) AddMessages(msgs ...Message) { c.iter.AddMessages(msgs...) }

func (t *loopIteration) ProcessMessages(proc MessageProcessor) {
	var msgs, remains messageList
	msgs.splice(&t.messages)
	for msgs.head != nil {
		mctx := &messageContext{iter: t, item: msgs.head}
		msgs.head = msgs.head.next
		mctx.item.next = nil
		proc.ProcessMessage(mctx)
		if !mctx.taken {
			remains.append(mctx.item)
		}
		if mctx.stop {
			remains.concat(&msgs)
			break
		}
	}
	remains.concat(&t.messages)
	t.messages = remains
}

func (t *loopIteration) AddMessages(msgs ...Message) {
	for _, msg := range msgs {
		t.messages.append(&messageItem{msg: msg})
	}
}
