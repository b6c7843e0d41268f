// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tracer

import (
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// stdio connects the standard streams of a child process to the command writers.
type stdio struct {
	files           []*os.File // stdin, stdout, stderr of the child
	closeAfterStart []*os.File
	closeAfterWait  []*os.File
	copiers         errgroup.Group
}

// Descendants of the target may keep output pipes open after it exits.
const outputWaitDelay = time.Second

func newStdio(cmd *Command) (*stdio, error) {
	s := new(stdio)
	stdin, err := os.Open(os.DevNull)
	if err != nil {
		return nil, err
	}
	s.closeAfterStart = append(s.closeAfterStart, stdin)
	s.files = append(s.files, stdin)
	for _, w := range []io.Writer{cmd.Stdout, cmd.Stderr} {
		f, err := s.output(w)
		if err != nil {
			s.started()
			s.wait()
			return nil, err
		}
		s.files = append(s.files, f)
	}
	return s, nil
}

func (s *stdio) output(w io.Writer) (*os.File, error) {
	if w == nil {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, err
		}
		s.closeAfterStart = append(s.closeAfterStart, f)
		return f, nil
	}
	if f, ok := w.(*os.File); ok {
		return f, nil
	}
	r, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	s.closeAfterStart = append(s.closeAfterStart, pw)
	s.closeAfterWait = append(s.closeAfterWait, r)
	s.copiers.Go(func() error {
		_, err := io.Copy(w, r)
		return err
	})
	return pw, nil
}

// started closes the parent copies of the child ends.
func (s *stdio) started() {
	for _, f := range s.closeAfterStart {
		f.Close()
	}
	s.closeAfterStart = nil
}

// wait finishes copying of the child output.
func (s *stdio) wait() {
	done := make(chan error, 1)
	go func() {
		done <- s.copiers.Wait()
	}()
	select {
	case <-done:
	case <-time.After(outputWaitDelay):
	}
	for _, f := range s.closeAfterWait {
		f.Close()
	}
	s.closeAfterWait = nil
}
