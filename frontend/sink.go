package frontend

import (
	"errors"
	"fmt"
	"io"

	"github.com/tcassar-diss/iomon/bpf"
)

// Record is an event on its way to the sinks. Proc is nil when the process could
// not be resolved.
type Record struct {
	Event bpf.Event
	Proc  *ProcInfo
}

func (r *Record) exe() string {
	if r.Proc == nil {
		return ""
	}

	return r.Proc.Exe
}

// Sink consumes records. Sinks are used from a single goroutine.
type Sink interface {
	Write(rec *Record) error
	Close() error
}

type textSink struct {
	w io.Writer
}

// NewTextSink writes one human readable line per record.
func NewTextSink(w io.Writer) Sink {
	return &textSink{w: w}
}

func (s *textSink) Write(rec *Record) error {
	if exe := rec.exe(); exe != "" {
		_, err := fmt.Fprintf(s.w, "%s exe=%s\n", rec.Event, exe)
		return err
	}

	_, err := fmt.Fprintln(s.w, rec.Event)

	return err
}

func (s *textSink) Close() error { return nil }

type multiSink []Sink

func (m multiSink) Write(rec *Record) error {
	var errs []error

	for _, s := range m {
		if err := s.Write(rec); err != nil {
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
