// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package binimage

import (
	"strings"
)

// Well-known functions that never return to the caller.
var noReturnFuncs = makeSet(
	"abort",
	"exit",
	"_exit",
	"_Exit",
	"quick_exit",
	"pthread_exit",
	"__assert_fail",
	"__assert_perror_fail",
	"__assert_rtn",
	"__stack_chk_fail",
	"__fortify_fail",
	"__chk_fail",
	"__libc_fatal",
	"__cxa_throw",
	"__cxa_rethrow",
	"__cxa_bad_cast",
	"__cxa_bad_typeid",
	"__cxa_call_unexpected",
	"__cxa_throw_bad_array_new_length",
	"_Unwind_Resume",
	"_ZSt9terminatev",
	"longjmp",
	"_longjmp",
	"siglongjmp",
	"__longjmp_chk",
	"err",
	"errx",
	"verr",
	"verrx",
	"__ubsan_handle_builtin_unreachable",
	"ExitProcess",
	"ExitThread",
	"FatalExit",
	"__report_gsfailure",
	"_invalid_parameter_noinfo_noreturn",
)

func makeSet(names ...string) map[string]bool {
	res := make(map[string]bool)
	for _, name := range names {
		res[name] = true
	}
	return res
}

func isNoReturnName(name string) bool {
	name = strings.TrimSuffix(name, "@plt")
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	return noReturnFuncs[name]
}

func markNoReturn(syms []*Symbol) {
	for _, sym := range syms {
		if isNoReturnName(sym.Name) {
			sym.NoReturn = true
		}
	}
}
