package monitoring

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type capture struct {
	mu    sync.Mutex
	lines []string
}

func (c *capture) logf(format string, v ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, v...))
}

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	c := &capture{}
	SetLogger(c.logf)
	Logf("queue depth %d", 3)

	assert.Equal(t, []string{"queue depth 3"}, c.lines)
}

func TestSetLogger_NilIsNoop(t *testing.T) {
	c := &capture{}
	SetLogger(c.logf)
	SetLogger(nil)

	assert.NotPanics(t, func() { Logf("dropped") })
	assert.Empty(t, c.lines)
}

func TestTagged(t *testing.T) {
	defer SetLogger(nil)

	c := &capture{}
	SetLogger(c.logf)
	logf := Tagged("triggerbus")
	logf("subscriber %s joined", "ab12")

	assert.Equal(t, []string{"[triggerbus] subscriber ab12 joined"}, c.lines)
}
