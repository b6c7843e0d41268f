// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covfilter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	f, err := New(&Config{Rules: []Rule{
		{Action: "exclude", Module: `^/(usr/)?lib/`},
		{Action: "include", Module: `/libfoo\.so`},
		{Action: "exclude", Module: `/bin/prog$`, Symbol: `^__asan_`},
		{Action: "include", Symbol: `^__asan_keep$`},
	}})
	require.NoError(t, err)
	type test struct {
		module string
		symbol string
		res    bool
	}
	modules := []test{
		{"/bin/prog", "", true},
		{"/lib/libc.so.6", "", false},
		{"/usr/lib/libm.so.6", "", false},
		{"/usr/lib/libfoo.so", "", true},
		{"/opt/libbar.so", "", true},
	}
	for _, test := range modules {
		assert.Equal(t, test.res, f.IncludesModule(test.module), test.module)
	}
	symbols := []test{
		{"/bin/prog", "main", true},
		{"/bin/prog", "__asan_report", false},
		{"/bin/prog", "__asan_keep", true},
		{"/lib/libc.so.6", "__asan_keep", true},
		{"/lib/libc.so.6", "malloc", false},
		{"/usr/lib/libfoo.so", "foo", true},
	}
	for _, test := range symbols {
		assert.Equal(t, test.res, f.IncludesSymbol(test.module, test.symbol), "%v:%v", test.module, test.symbol)
	}
}

func TestNilFilter(t *testing.T) {
	var f *Filter
	assert.True(t, f.IncludesModule("/lib/libc.so.6"))
	assert.True(t, f.IncludesSymbol("/lib/libc.so.6", "malloc"))
	f, err := New(&Config{})
	require.NoError(t, err)
	assert.True(t, f.IncludesModule("/lib/libc.so.6"))
}

func TestFilterErrors(t *testing.T) {
	for _, cfg := range []*Config{
		{Rules: []Rule{{Action: "skip", Module: "a"}}},
		{Rules: []Rule{{Action: "include", Module: "("}}},
		{Rules: []Rule{{Action: "exclude", Symbol: "[a"}}},
	} {
		_, err := New(cfg)
		assert.Error(t, err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	yamlFile := filepath.Join(dir, "filter.yaml")
	require.NoError(t, os.WriteFile(yamlFile, []byte(`
rules:
  - action: exclude
    module: ^/lib/
  - action: include
    module: libc
`), 0644))
	jsonFile := filepath.Join(dir, "filter.json")
	require.NoError(t, os.WriteFile(jsonFile, []byte(`
# system libraries are not interesting
{"rules": [
	{"action": "exclude", "module": "^/lib/"},
	{"action": "include", "module": "libc"}
]}
`), 0644))
	for _, file := range []string{yamlFile, jsonFile} {
		f, err := Load(file)
		require.NoError(t, err)
		assert.True(t, f.IncludesModule("/lib/libc.so.6"))
		assert.False(t, f.IncludesModule("/lib/libm.so.6"))
		assert.True(t, f.IncludesModule("/bin/prog"))
	}

	badFile := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badFile, []byte(`{"rulez": []}`), 0644))
	_, err := Load(badFile)
	assert.Error(t, err)
}
