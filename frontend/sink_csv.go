package frontend

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/tcassar-diss/iomon/bpf"
)

var csvHeader = []string{"pid", "comm", "exe", "inode", "direction", "offset", "bytes", "errno"}

type csvSink struct {
	w      *csv.Writer
	closer io.Closer
}

// NewCSVSink writes records as CSV with a header row. closer, when not nil, is
// closed with the sink.
func NewCSVSink(w io.Writer, closer io.Closer) (Sink, error) {
	s := &csvSink{w: csv.NewWriter(w), closer: closer}

	if err := s.w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}

	return s, nil
}

func (s *csvSink) Write(rec *Record) error {
	ev := &rec.Event

	var size, errno string

	if n, ok := ev.Completion.Bytes(); ok && ev.Direction == bpf.Read {
		size = strconv.FormatUint(n, 10)
	}

	if e, ok := ev.Completion.Errno(); ok {
		errno = strconv.FormatUint(uint64(e), 10)
	}

	return s.w.Write([]string{
		strconv.FormatUint(uint64(ev.PID), 10),
		ev.Comm.String(),
		rec.exe(),
		strconv.FormatUint(ev.Inode, 10),
		ev.Direction.String(),
		strconv.FormatInt(ev.Offset, 10),
		size,
		errno,
	})
}

func (s *csvSink) Close() error {
	s.w.Flush()

	err := s.w.Error()

	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}

	return err
}
