package frontend

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tcassar-diss/iomon/bpf"
)

// EventEnv is what a filter expression sees of an event, e.g.
//
//	read && size >= 4096 && comm != "sshd"
type EventEnv struct {
	PID    uint32 `expr:"pid"`
	Comm   string `expr:"comm"`
	Inode  uint64 `expr:"inode"`
	Offset int64  `expr:"offset"`
	Size   uint64 `expr:"size"`
	Errno  uint64 `expr:"errno"`
	Failed bool   `expr:"failed"`
	Read   bool   `expr:"read"`
	Write  bool   `expr:"write"`
}

func newEventEnv(ev *bpf.Event) EventEnv {
	env := EventEnv{
		PID:    ev.PID,
		Comm:   ev.Comm.String(),
		Inode:  ev.Inode,
		Offset: ev.Offset,
		Read:   ev.Direction == bpf.Read,
		Write:  ev.Direction == bpf.Write,
	}

	if n, ok := ev.Completion.Bytes(); ok {
		env.Size = n
	}

	if errno, ok := ev.Completion.Errno(); ok {
		env.Errno = uint64(errno)
		env.Failed = true
	}

	return env
}

// Filter selects events. A nil Filter matches everything.
type Filter struct {
	program *vm.Program
}

// NewFilter compiles expression. An empty expression gives a nil Filter.
func NewFilter(expression string) (*Filter, error) {
	if expression == "" {
		return nil, nil
	}

	program, err := expr.Compile(expression, expr.Env(EventEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to compile filter %q: %w", ErrConfigInvalid, expression, err)
	}

	return &Filter{program: program}, nil
}

// Match reports whether ev passes the filter.
func (f *Filter) Match(ev *bpf.Event) (bool, error) {
	if f == nil {
		return true, nil
	}

	out, err := expr.Run(f.program, newEventEnv(ev))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter: %w", err)
	}

	match, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter returned %T, expected bool", out)
	}

	return match, nil
}
