package event

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type countingObserver struct {
	seen []Event
}

func (o *countingObserver) Observe(e Event) error {
	o.seen = append(o.seen, e)
	return nil
}

type failingObserver struct{}

func (failingObserver) Observe(Event) error {
	return errors.New("sink unavailable")
}

type panickingObserver struct{}

func (panickingObserver) Observe(Event) error {
	panic("observer bug")
}

func TestFanoutDeliversToAllObservers(t *testing.T) {
	first := &countingObserver{}
	second := &countingObserver{}
	f := NewFanout(first, second)

	f.Publish(Event{Type: JobStarted, JobName: "a"}, Event{Type: JobFinished, JobName: "a"})

	assert.Len(t, first.seen, 2)
	assert.Len(t, second.seen, 2)
}

func TestFanoutIsolatesFailingObservers(t *testing.T) {
	healthy := &countingObserver{}
	f := NewFanout(failingObserver{}, panickingObserver{}, healthy)

	// Neither the error nor the panic stops delivery.
	f.Publish(Event{Type: JobFailed, JobName: "a"})
	assert.Len(t, healthy.seen, 1)

	err := f.Observe(Event{Type: JobFailed, JobName: "a"})
	assert.Error(t, err)
	assert.Len(t, healthy.seen, 2)
}

func TestFanoutRegister(t *testing.T) {
	f := NewFanout()
	late := &countingObserver{}
	f.Register(late)
	f.Publish(Event{Type: JobRemoved, JobName: "a"})
	assert.Len(t, late.seen, 1)
}
