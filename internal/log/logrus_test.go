package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimpleFormatterSortsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug")

	l.WithFields(map[string]interface{}{"vehicle": "UAV_2", "idx": 3}).Warnf("stalled %d ticks", 40)

	line := buf.String()
	assert.Contains(t, line, "[WAR] stalled 40 ticks idx=3 vehicle=UAV_2")
	assert.True(t, line[len(line)-1] == '\n')
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "info")

	l.Debugf("hidden")
	assert.Empty(t, buf.String())

	l.Infof("shown")
	assert.Contains(t, buf.String(), "[INF] shown")
}

func TestNewCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Options{Level: "info", Dir: dir})
	assert.NoError(t, err)

	l.Infof("hello")
	assert.FileExists(t, dir+"/fleet.log")
}
