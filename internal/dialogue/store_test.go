package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStore_SystemMessageAlwaysAtSlotZero(t *testing.T) {
	s := New()
	s.UpdateSystem("be helpful")
	s.Put(Message{Role: RoleUser, Content: "hi"})

	out := s.GetForLLM("", "")
	require := func(cond bool) {
		if !cond {
			t.Fatal("expected system message at index 0")
		}
	}
	require(len(out) == 2)
	assert.Equal(t, RoleSystem, out[0].Role)
	assert.Equal(t, "be helpful", out[0].Content)
	assert.Equal(t, RoleUser, out[1].Role)
	assert.Equal(t, "hi", out[1].Content)
}

func TestStore_UpdateSystemReplacesNotDuplicates(t *testing.T) {
	s := New()
	s.UpdateSystem("first")
	s.UpdateSystem("second")
	out := s.GetForLLM("", "")
	require := func(cond bool) {
		if !cond {
			t.Fatal("expected single system message with latest content")
		}
	}
	require(len(out) == 1)
	require(out[0].Content == "second")
}

func TestStore_MemorySummaryInjectedWithoutMutatingStored(t *testing.T) {
	s := New()
	s.UpdateSystem("base prompt")

	out := s.GetForLLM("summary text", "voiceprint hint")
	assert.Contains(t, out[0].Content, "base prompt")
	assert.Contains(t, out[0].Content, "summary text")
	assert.Contains(t, out[0].Content, "voiceprint hint")

	plain := s.GetForLLM("", "")
	assert.Equal(t, "base prompt", plain[0].Content)
}

func TestStore_ToolCallOrdering(t *testing.T) {
	s := New()
	s.Put(Message{Role: RoleUser, Content: "q"})
	s.Put(Message{Role: RoleAssistant, ToolCalls: []ToolCallRef{{ID: "t1", Name: "search"}}})
	s.Put(Message{Role: RoleTool, ToolCallID: "t1", Content: "result"})
	s.Put(Message{Role: RoleAssistant, Content: "final answer"})

	msgs := s.Messages()
	assert.Len(t, msgs, 4)
	assert.Equal(t, "t1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, "t1", msgs[2].ToolCallID)
}
