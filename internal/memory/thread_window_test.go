package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreambleReturnsFalseWhenThreadEmpty(t *testing.T) {
	m := NewThreadWindowMemory(1024)
	_, ok := m.Preamble("nonexistent")
	assert.False(t, ok)
}

func TestOnUserThenAssistantRoundTripsIntoPreamble(t *testing.T) {
	m := NewThreadWindowMemory(1024)
	m.OnUserMessage("t1", "hello")
	m.OnAssistantMessage("t1", "hi there")

	preamble, ok := m.Preamble("t1")
	assert.True(t, ok)
	assert.Equal(t, "USER: hello\nASSISTANT: hi there", preamble)
}

func TestPreambleAppliesCharBudgetKeepingTail(t *testing.T) {
	m := NewThreadWindowMemory(1) // budget floors to 64 chars
	for i := 0; i < 20; i++ {
		m.OnUserMessage("t1", "0123456789")
	}
	preamble, ok := m.Preamble("t1")
	assert.True(t, ok)
	assert.LessOrEqual(t, len(preamble), 64)
	assert.True(t, strings.HasSuffix(preamble, "9"))
}

func TestEmptyThreadIDIsIgnored(t *testing.T) {
	m := NewThreadWindowMemory(1024)
	m.OnUserMessage("", "should not be stored")
	_, ok := m.Preamble("")
	assert.False(t, ok)
}

func TestAppendOrderIsPreservedAcrossThreads(t *testing.T) {
	m := NewThreadWindowMemory(1024)
	m.OnUserMessage("t1", "a")
	m.OnUserMessage("t2", "x")
	m.OnAssistantMessage("t1", "b")

	p1, _ := m.Preamble("t1")
	p2, _ := m.Preamble("t2")
	assert.Equal(t, "USER: a\nASSISTANT: b", p1)
	assert.Equal(t, "USER: x", p2)
}
