package util

import (
	"testing"
)

// NewTestingLogger returns a writer that logs each line through tb.
func NewTestingLogger(tb testing.TB) *CommitLogger {
	return &CommitLogger{
		Committer: func(line []byte) {
			tb.Log(string(line))
		},
	}
}
