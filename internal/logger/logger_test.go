package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugSwitch(t *testing.T) {
	var buf bytes.Buffer
	New(false, &buf).Info("hidden", "k", 1)
	assert.Empty(t, buf.String())

	New(false, &buf).Error("shown", "k", 1)
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	New(true, &buf).Debug("details", "node", "veh-01")
	assert.Contains(t, buf.String(), "details")
	assert.Contains(t, buf.String(), "veh-01")
}

func TestInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Info(&buf)
	l.Debug("hidden")
	assert.Empty(t, buf.String())
	l.Info("committed block", "height", 3)
	assert.Contains(t, buf.String(), "committed block")
}
