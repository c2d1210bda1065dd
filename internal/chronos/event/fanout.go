package event

import (
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Fanout delivers each event to every registered observer. Observer errors
// and panics are logged and contained: a broken sink must never fail the
// scheduling path that produced the event.
type Fanout struct {
	observers []Observer
}

func NewFanout(observers ...Observer) *Fanout {
	return &Fanout{observers: observers}
}

func (f *Fanout) Register(o Observer) {
	f.observers = append(f.observers, o)
}

func (f *Fanout) Observe(e Event) error {
	var result *multierror.Error
	for _, o := range f.observers {
		if err := observeSafely(o, e); err != nil {
			result = multierror.Append(result, err)
			log.WithError(err).Warnf("observer failed for %s event on job %s", e.Type, e.JobName)
		}
	}
	return result.ErrorOrNil()
}

// Publish is the engine-facing entry point: failures are already logged by
// Observe and intentionally dropped here.
func (f *Fanout) Publish(events ...Event) {
	for _, e := range events {
		_ = f.Observe(e)
	}
}

func observeSafely(o Observer, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorsFromPanic(r)
		}
	}()
	return o.Observe(e)
}
