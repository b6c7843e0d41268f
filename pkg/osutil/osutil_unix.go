// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build freebsd || netbsd || openbsd || linux || darwin

package osutil

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// HandleInterrupts closes shutdown on the first SIGINT/SIGTERM so that the
// traced command can be killed and partial results saved.
// A second signal exits immediately with the target possibly still stopped.
func HandleInterrupts(shutdown chan struct{}) {
	go func() {
		c := make(chan os.Signal, 2)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		close(shutdown)
		fmt.Fprintf(os.Stderr, "%v: killing the traced command...\n", sig)
		sig = <-c
		fmt.Fprintf(os.Stderr, "%v: exiting\n", sig)
		os.Exit(int(syscall.SIGINT))
	}()
}
