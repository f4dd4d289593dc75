/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lifecycle spawns extension processes and keeps track of them so
// none outlives the host.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/srediag/extension-host/internal/logging"
)

// waitDelay bounds how long reaping waits for the stderr copy once the child
// has exited. A grandchild keeping stderr open would otherwise hold it.
const waitDelay = time.Second

// Spec describes how to launch an extension process.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env is added to the host environment.
	Env map[string]string
}

// Process is a running, or reaped, child process.
type Process interface {
	Pid() int
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	Exited() bool
	Kill() error
}

// ExecProcess is a child started by Start. Its stdin and stdout are plain
// pipes: writes to stdin honor deadlines and reading stdout is not cut
// short by the reaper.
type ExecProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	done   chan struct{}
	err    error
}

// Start launches spec. Stderr of the child is forwarded line by line to
// logger.
func Start(spec Spec, logger hclog.Logger) (*ExecProcess, error) {
	if spec.Path == "" {
		return nil, errors.New("no executable given")
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = environ(spec.Env)
	cmd.Stderr = logging.Writer(logging.OrNull(logger).Named("stderr"))
	cmd.WaitDelay = waitDelay

	inR, stdin, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		inR.Close()
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdin = inR
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		inR.Close()
		stdin.Close()
		pr.Close()
		pw.Close()
		return nil, err
	}
	inR.Close()
	pw.Close()

	p := &ExecProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: pr,
		done:   make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (p *ExecProcess) reap() {
	p.err = p.cmd.Wait()
	close(p.done)
}

func (p *ExecProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ExecProcess) Done() <-chan struct{} { return p.done }

func (p *ExecProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stdin is the write side of the child's standard input. It supports
// write deadlines.
func (p *ExecProcess) Stdin() io.WriteCloser { return p.stdin }

// Stdout is the read side of the child's standard output.
func (p *ExecProcess) Stdout() io.ReadCloser { return p.stdout }

// ExitCode is -1 while the process runs or when it was killed by a signal.
func (p *ExecProcess) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Err is the error returned when reaping the process.
func (p *ExecProcess) Err() error {
	if !p.Exited() {
		return nil
	}
	return p.err
}

// Kill terminates the process. Killing a reaped process is not an error.
func (p *ExecProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Wait blocks until the process has been reaped or ctx is done.
func (p *ExecProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop waits up to grace for p to exit on its own, then kills it and waits
// for the reaper. A done ctx cuts the grace period short.
func Stop(ctx context.Context, p Process, grace time.Duration) error {
	if p == nil {
		return nil
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.Done():
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := p.Kill(); err != nil {
		return err
	}
	<-p.Done()
	return nil
}
