// Copyright 2020 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"fmt"
	"strings"
)

// StringsFlag is a repeatable string flag: -env A=1 -env B=2.
type StringsFlag []string

func (f *StringsFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *StringsFlag) Set(value string) error {
	if value == "" {
		return fmt.Errorf("empty value")
	}
	*f = append(*f, value)
	return nil
}

// ParseEnv validates KEY=VALUE pairs collected by a StringsFlag.
func ParseEnv(vars []string) ([]string, error) {
	var env []string
	for _, v := range vars {
		eq := strings.IndexByte(v, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("bad environment variable %q: want KEY=VALUE", v)
		}
		env = append(env, v)
	}
	return env, nil
}
