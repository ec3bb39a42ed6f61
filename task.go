package zygote

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"runtime/debug"
)

// taskFunc is the monomorphized form of a registered function, operating on
// encoded values so the registry stays homogeneous
type taskFunc func(args []byte) ([]byte, *ErrorReply)

// the registry is populated at package init on both sides of the exec, so a
// name sent over the wire resolves to the identical function in the worker.
// No lock: all Register calls happen before Init.
var registry = make(map[string]taskFunc)

// Task is a registered entry point, parameterized by its argument and result
// types. The zero Task is invalid; obtain one from Register.
type Task[A, R any] struct {
	name string
}

// Register installs fn under name and returns the typed handle used to run
// it in a worker process. It must be called in package scope (before Init),
// with the same registrations in every copy of the binary; a duplicate name
// panics.
func Register[A, R any](name string, fn func(A) (R, error)) Task[A, R] {
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("zygote: task %q registered twice", name))
	}
	registry[name] = func(args []byte) ([]byte, *ErrorReply) {
		var a A
		if err := decodeValue(args, &a); err != nil {
			return nil, errorReplyFrom(err)
		}
		ret, err := callTask(fn, a)
		if err != nil {
			return nil, errorReplyFrom(err)
		}
		b, err := encodeValue(ret)
		if err != nil {
			return nil, errorReplyFrom(err)
		}
		return b, nil
	}
	return Task[A, R]{name: name}
}

// callTask runs fn, converting a panic into an error carrying the worker's
// stack, so a panicking task reports instead of just dying
func callTask[A, R any](fn func(A) (R, error), a A) (ret R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(a)
}

// Name returns the name the task was registered under
func (t Task[A, R]) Name() string {
	return t.name
}

// Run executes the task in a fresh worker process of the global zygote.
// It blocks until the worker delivers a result or dies.
func (t Task[A, R]) Run(arg A) (R, error) {
	return t.RunOn(Global(), arg)
}

// RunOn executes the task in a fresh worker process of z
func (t Task[A, R]) RunOn(z *Zygote, arg A) (R, error) {
	return t.RunContext(context.Background(), z, arg)
}

// RunContext executes the task in a fresh worker process of z. When ctx is
// cancelled the worker is killed and the context's error is returned; the
// zygote itself stays usable.
func (t Task[A, R]) RunContext(ctx context.Context, z *Zygote, arg A) (R, error) {
	var ret R
	args, err := encodeValue(arg)
	if err != nil {
		return ret, err
	}
	b, err := z.exec(ctx, t.name, args)
	if err != nil {
		return ret, err
	}
	if err := decodeValue(b, &ret); err != nil {
		return ret, err
	}
	return ret, nil
}

func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("zygote: encode %T: %v", v, err)
	}
	return buf.Bytes(), nil
}

func decodeValue(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return &DecodeError{Type: fmt.Sprintf("%T", v), Err: err}
	}
	return nil
}
