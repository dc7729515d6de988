package sshexec

import (
	"context"
	"os"
	"strings"
	"sync"
)

// FakeRunner is a scripted Runner for tests. Commands are matched by
// substring against registered scripts; unmatched commands succeed with
// empty output. It records every command and file write.
type FakeRunner struct {
	mu      sync.Mutex
	scripts []fakeScript

	Commands []string
	Files    map[string][]byte

	// Err, when set, is returned from every call (simulates an unreachable
	// host).
	Err error
}

type fakeScript struct {
	substr string
	result Result
	err    error
}

// NewFakeRunner creates an empty fake.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Files: make(map[string][]byte)}
}

// Script makes any command containing substr return the given result.
// Later registrations win over earlier ones.
func (f *FakeRunner) Script(substr string, res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, fakeScript{substr: substr, result: res})
}

// ScriptErr makes any command containing substr return a transport error.
func (f *FakeRunner) ScriptErr(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, fakeScript{substr: substr, err: err})
}

func (f *FakeRunner) Run(_ context.Context, cmd string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	f.Commands = append(f.Commands, cmd)

	for i := len(f.scripts) - 1; i >= 0; i-- {
		if strings.Contains(cmd, f.scripts[i].substr) {
			if f.scripts[i].err != nil {
				return nil, f.scripts[i].err
			}
			res := f.scripts[i].result
			return &res, nil
		}
	}
	return &Result{}, nil
}

func (f *FakeRunner) WriteFile(_ context.Context, path string, data []byte, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return f.Err
	}
	f.Files[path] = append([]byte(nil), data...)
	return nil
}

// Ran reports whether any recorded command contains substr.
func (f *FakeRunner) Ran(substr string) bool {
	return f.Count(substr) > 0
}

// Count returns how many recorded commands contain substr.
func (f *FakeRunner) Count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Commands {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}
