// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	reg := prometheus.NewRegistry()
	set := newSet(reg)

	hits := set.New("hits", "breakpoint hits", Console, Prometheus("blockcov_test_hits"))
	hits.Add(3)
	hits.Add(2)
	assert.Equal(t, 5, hits.Val())

	modules := 0
	set.New("modules", "modules", func() int { return modules })
	modules = 7

	sweep := set.New("sweep", "sweep time", Distribution{})
	for _, v := range []int{10, 20, 30} {
		sweep.Add(v)
	}
	assert.Equal(t, 20, sweep.Val())
	assert.Panics(t, func() { hits.Quantile(0.5) })

	ui := set.Collect(All)
	assert.Len(t, ui, 3)
	assert.Equal(t, "hits", ui[0].Name)
	vals := map[string]int{}
	for _, v := range ui {
		vals[v.Name] = v.V
	}
	assert.Equal(t, map[string]int{"hits": 5, "modules": 7, "sweep": 20}, vals)
	assert.Len(t, set.Collect(Console), 1)

	mfs, err := reg.Gather()
	assert.NoError(t, err)
	assert.Len(t, mfs, 1)
	assert.Equal(t, "blockcov_test_hits", mfs[0].GetName())
	assert.Equal(t, 5.0, mfs[0].GetMetric()[0].GetGauge().GetValue())
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "100 (10/sec)", formatRate(100, 10_000_000_000))
	assert.Equal(t, "10 (60/min)", formatRate(10, 10_000_000_000))
}
