// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// syz-covmerge merges block coverage files produced by syz-blockcov.
//
// Usage:
//
//	syz-covmerge [-o merged.json] [-max] cov1.json cov2.json covdir ...
//
// All *.json files of directory arguments are merged.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/blockcov/pkg/blockcov"
	"github.com/google/blockcov/pkg/osutil"
	"github.com/google/blockcov/pkg/tool"
)

func main() {
	var (
		flagOutput = flag.String("o", "", "save merged coverage to the file (optional)")
		flagMax    = flag.Bool("max", false, "keep the max count of a block instead of the sum")
	)
	files, err := expand(tool.Init("[flags] cov.json|dir..."))
	if err != nil {
		tool.Fail(err)
	}
	if len(files) == 0 {
		tool.Failf("no coverage files specified")
	}
	merged := blockcov.New()
	for _, file := range files {
		cov, err := blockcov.Load(file)
		if err != nil {
			tool.Fail(err)
		}
		if *flagMax {
			merged.MergeMax(cov)
		} else {
			merged.Merge(cov)
		}
	}
	total, reached := 0, 0
	for _, s := range merged.Summary() {
		fmt.Printf("%v\n", s)
		total += s.Blocks
		reached += s.Reached
	}
	fmt.Printf("total: %v/%v blocks in %v modules\n", reached, total, merged.Len())
	if *flagOutput != "" {
		if err := merged.Save(*flagOutput); err != nil {
			tool.Fail(err)
		}
	}
}

func expand(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		st, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !st.IsDir() {
			files = append(files, arg)
			continue
		}
		names, err := osutil.ListDir(arg)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if strings.HasSuffix(name, ".json") {
				files = append(files, filepath.Join(arg, name))
			}
		}
	}
	return files, nil
}
