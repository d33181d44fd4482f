package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldHelpers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	logger := WithSession(WithSlot(WithIssueID(WithComponent("pool"), "X-1"), 2), "sess-9")
	logger.Info().Msg("hello")

	line := buf.String()
	assert.Contains(t, line, `"component":"pool"`)
	assert.Contains(t, line, `"issue_id":"X-1"`)
	assert.Contains(t, line, `"slot":2`)
	assert.Contains(t, line, `"session_id":"sess-9"`)
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	Warn("filtered out")
	Error("kept")

	assert.NotContains(t, buf.String(), "filtered out")
	assert.Contains(t, buf.String(), "kept")
}
