// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"fmt"
	"os"
	"os/signal"
)

func HandleInterrupts(shutdown chan struct{}) {
	go func() {
		c := make(chan os.Signal, 2)
		signal.Notify(c, os.Interrupt)
		<-c
		close(shutdown)
		fmt.Fprint(os.Stderr, "interrupt: shutting down...\n")
		<-c
		fmt.Fprint(os.Stderr, "interrupt: terminating\n")
		os.Exit(1)
	}()
}
