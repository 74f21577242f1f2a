// Package sink delivers extracted log entries to their destinations.
package sink

import (
	"context"
	"errors"

	"github.com/glimte/mmate-logforwarder/internal/labels"
	"github.com/glimte/mmate-logforwarder/internal/metrics"
)

// Sink receives log entries. Write may buffer; Close flushes and releases
// resources.
type Sink interface {
	Write(ctx context.Context, entry labels.Entry) error
	Close() error
}

type multiSink []Sink

// Multi fans every entry out to all sinks. Errors from individual sinks are
// joined; one failing sink does not stop the others.
func Multi(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return multiSink(sinks)
}

func (m multiSink) Write(ctx context.Context, entry labels.Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type instrumented struct {
	name    string
	sink    Sink
	metrics *metrics.Metrics
}

// Instrument counts writes to s under the given sink name
func Instrument(name string, s Sink, m *metrics.Metrics) Sink {
	if m == nil {
		return s
	}
	return &instrumented{name: name, sink: s, metrics: m}
}

func (i *instrumented) Write(ctx context.Context, entry labels.Entry) error {
	err := i.sink.Write(ctx, entry)
	if err != nil {
		i.metrics.IncSinkWrites(i.name, "failure")
	} else {
		i.metrics.IncSinkWrites(i.name, "success")
	}
	return err
}

func (i *instrumented) Close() error {
	return i.sink.Close()
}
