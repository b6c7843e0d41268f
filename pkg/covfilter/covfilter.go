// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package covfilter selects modules and functions that get instrumented.
package covfilter

import (
	"fmt"
	"regexp"

	"github.com/google/blockcov/pkg/config"
)

// Rule includes or excludes modules whose path matches Module and,
// if Symbol is set, only functions whose name matches Symbol.
// Empty Module matches any module.
type Rule struct {
	Action string `json:"action"` // "include" or "exclude"
	Module string `json:"module,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

type Config struct {
	Rules []Rule `json:"rules"`
}

type rule struct {
	include bool
	module  *regexp.Regexp
	symbol  *regexp.Regexp
}

// Filter applies rules in order, the last matching rule wins.
// Everything is included if no rule matches. A nil Filter includes everything.
type Filter struct {
	rules []rule
}

func New(cfg *Config) (*Filter, error) {
	f := new(Filter)
	for i, r := range cfg.Rules {
		var include bool
		switch r.Action {
		case "include":
			include = true
		case "exclude":
		default:
			return nil, fmt.Errorf("rule #%v: unknown action %q", i, r.Action)
		}
		module, err := compile(r.Module)
		if err != nil {
			return nil, fmt.Errorf("rule #%v: bad module regexp: %w", i, err)
		}
		symbol, err := compile(r.Symbol)
		if err != nil {
			return nil, fmt.Errorf("rule #%v: bad symbol regexp: %w", i, err)
		}
		f.rules = append(f.rules, rule{include, module, symbol})
	}
	return f, nil
}

// Load reads rules from a JSON or YAML file.
func Load(file string) (*Filter, error) {
	cfg := new(Config)
	if err := config.LoadFile(file, cfg); err != nil {
		return nil, err
	}
	return New(cfg)
}

func compile(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(expr)
}

// IncludesModule says if the module needs instrumentation at all.
// Only rules without a symbol pattern are considered.
func (f *Filter) IncludesModule(module string) bool {
	if f == nil {
		return true
	}
	res := true
	for _, r := range f.rules {
		if r.symbol == nil && r.matchModule(module) {
			res = r.include
		}
	}
	return res
}

// IncludesSymbol says if the function of the module needs instrumentation.
func (f *Filter) IncludesSymbol(module, symbol string) bool {
	if f == nil {
		return true
	}
	res := true
	for _, r := range f.rules {
		if r.matchModule(module) && (r.symbol == nil || r.symbol.MatchString(symbol)) {
			res = r.include
		}
	}
	return res
}

func (r *rule) matchModule(module string) bool {
	return r.module == nil || r.module.MatchString(module)
}
