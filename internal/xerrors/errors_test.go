package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageJoinsParts(t *testing.T) {
	err := New("failed to ", "dial upstream")
	assert.Equal(t, "failed to dial upstream", err.Error())
}

func TestErrorChainsInnerCause(t *testing.T) {
	inner := errors.New("connection refused")
	err := New("dial failed").Base(inner)
	assert.Equal(t, "dial failed > connection refused", err.Error())
	assert.Equal(t, inner, err.Unwrap())
}

func TestSeverityDefaultsToInfo(t *testing.T) {
	err := New("something happened")
	assert.Equal(t, SeverityInfo, err.Severity())
}

func TestSeverityTaggingOverridesDefault(t *testing.T) {
	assert.Equal(t, SeverityDebug, New("x").AtDebug().Severity())
	assert.Equal(t, SeverityWarning, New("x").AtWarning().Severity())
	assert.Equal(t, SeverityError, New("x").AtError().Severity())
}

func TestSeverityPicksLowerOfChain(t *testing.T) {
	inner := New("low-level").AtDebug()
	outer := New("wrapped").Base(inner).AtError()
	assert.Equal(t, SeverityDebug, outer.Severity())
}

func TestCauseWalksToRoot(t *testing.T) {
	root := errors.New("root cause")
	wrapped := New("middle").Base(New("outer").Base(root))
	assert.Equal(t, root, Cause(wrapped))
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "debug", SeverityDebug.String())
	assert.Equal(t, "info", SeverityInfo.String())
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "error", SeverityError.String())
}
