package measure

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/sensornode/pkg/framework"
	"github.com/robotalks/sensornode/pkg/metrics"
)

// Bus delivers payloads to a topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Locker serializes access to the shared network stack.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Publisher measures and publishes one reading per run. The network lock
// is held only for the publish itself.
type Publisher struct {
	Sensor   interface{ Measure(context.Context) (Reading, error) }
	Format   Format
	Location string
	Topic    string
	Bus      Bus
	Lock     Locker
	Metrics  *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Execute implements framework.Task.
func (p *Publisher) Execute(tc framework.TickContext) error {
	return p.Publish(tc.Context())
}

// Publish takes and publishes one reading.
func (p *Publisher) Publish(ctx context.Context) error {
	err := p.publish(ctx)
	if err != nil {
		p.Metrics.ObservePublish("failed")
		return err
	}
	p.Metrics.ObservePublish("ok")
	return nil
}

func (p *Publisher) publish(ctx context.Context) error {
	if p.Sensor == nil || p.Bus == nil {
		return errors.New("publisher not configured")
	}
	reading, err := p.Sensor.Measure(ctx)
	if err != nil {
		return err
	}
	if len(reading) == 0 {
		glog.V(2).Info("no sensor values, nothing to publish")
		return nil
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	payload, err := p.Format.Encode(p.Location, now(), reading)
	if err != nil {
		return err
	}
	glog.V(2).Infof("measurement payload: %q", payload)

	if p.Lock != nil {
		release, err := p.Lock.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()
	}
	if err := p.Bus.Publish(ctx, p.Topic, payload); err != nil {
		return err
	}
	glog.Infof("measurement published to %s", p.Topic)
	return nil
}
