// Package cmn provides common low-level types and utilities shared by every
// package in this module: invariant assertions, configuration ownership,
// error classification and a minimal named-executor scheduler.
package cmn

import "fmt"

// Assert panics if cond is false. Reserved for invariant violations that
// indicate a programming error (e.g. a replication summary whose outcome
// count does not match its targets), never for ordinary control flow or
// input validation. A double lock release is not asserted: Releasable
// tolerates it.
func Assert(cond bool) {
	if !cond {
		panic("assertion failed")
	}
}

// AssertMsg panics with msg if cond is false.
func AssertMsg(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// AssertNoErr panics if err is non-nil. Used at call sites where an error
// can only originate from a prior Assert having been skipped.
func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
	}
}
