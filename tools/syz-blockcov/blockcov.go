// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// syz-blockcov runs a command under the breakpoint tracer and saves
// its block coverage as JSON.
//
// Usage:
//
//	syz-blockcov [-config recorder.yaml] [-o cov.json] [-merge] -- ./fuzz_target input
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/blockcov/pkg/blockcov"
	"github.com/google/blockcov/pkg/config"
	"github.com/google/blockcov/pkg/log"
	"github.com/google/blockcov/pkg/osutil"
	"github.com/google/blockcov/pkg/recorder"
	"github.com/google/blockcov/pkg/stat"
	"github.com/google/blockcov/pkg/tool"
	"github.com/google/blockcov/pkg/tracer"
	"github.com/google/uuid"
)

func main() {
	var (
		flagConfig     = flag.String("config", "", "recorder config file (optional)")
		flagOutput     = flag.String("o", "blockcov.json", "output coverage file")
		flagMerge      = flag.Bool("merge", false, "merge with the existing output file")
		flagDir        = flag.String("dir", "", "working directory of the command")
		flagStats      = flag.Bool("stats", false, "print recording statistics")
		flagSaveConfig = flag.String("save_config", "", "save the effective recorder config to the file")
		flagQuiet      = flag.Bool("quiet", false, "send the command output to the log (visible with -vv=1)")
		flagEnv        tool.StringsFlag
	)
	flag.Var(&flagEnv, "env", "additional KEY=VALUE environment variable (repeatable)")
	args := tool.Init("[flags] -- command [args...]")
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	log.EnableLogCaching(1000, 1<<20)
	runID := uuid.New().String()

	cfg := new(recorder.Config)
	if *flagConfig != "" {
		var err error
		if cfg, err = recorder.LoadConfig(*flagConfig); err != nil {
			tool.Fail(err)
		}
	}
	rec, err := recorder.New(cfg)
	if err != nil {
		tool.Fail(err)
	}
	if *flagSaveConfig != "" {
		if err := config.SaveFile(*flagSaveConfig, cfg); err != nil {
			tool.Fail(err)
		}
	}
	env, err := tool.ParseEnv(flagEnv)
	if err != nil {
		tool.Fail(err)
	}
	cmd := &tracer.Command{
		Path:   args[0],
		Args:   args[1:],
		Env:    append(os.Environ(), env...),
		Dir:    *flagDir,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	if *flagQuiet {
		cmd.Stdout = log.VerboseWriter(1)
		cmd.Stderr = log.VerboseWriter(1)
	}

	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Logf(0, "run %v: recording %v", runID, cmd)
	cov, err := rec.Record(ctx, cmd)
	if err != nil {
		tool.Fail(osutil.PrependContext("run "+runID, &osutil.VerboseError{
			Title:  err.Error(),
			Output: []byte(log.CachedLogOutput()),
		}))
	}
	if *flagMerge && osutil.IsExist(*flagOutput) {
		prev, err := blockcov.Load(*flagOutput)
		if err != nil {
			tool.Fail(err)
		}
		cov.Merge(prev)
	}
	if err := cov.Save(*flagOutput); err != nil {
		tool.Fail(err)
	}
	for _, s := range cov.Summary() {
		log.Logf(0, "%v", s)
	}
	if *flagStats {
		for _, ui := range stat.Collect(stat.All) {
			fmt.Printf("%-20v %v\n", ui.Name+":", ui.Value)
		}
	}
}
