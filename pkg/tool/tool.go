// Copyright 2020 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tool contains various helper utilitites useful for implementation of command line tools.
package tool

import (
	"flag"
	"fmt"
	"os"
)

func Failf(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}

func Fail(err error) {
	Failf("%v", err)
}

// Init parses the global command line flags and returns positional arguments.
// The usage string is printed before the flag defaults on -help and on parsing errors.
func Init(usage string) []string {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %v %v\n", os.Args[0], usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	return flag.Args()
}
