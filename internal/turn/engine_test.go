package turn

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingecho/voicebridge/internal/llm"
	"github.com/lingecho/voicebridge/internal/tools"
)

func llmToolCallDelta(index int, id, name, argsChunk string) llm.ToolCallDelta {
	return llm.ToolCallDelta{Index: index, ID: id, Name: name, ArgumentsChunk: argsChunk}
}

type recordingSink struct {
	mu      sync.Mutex
	firsts  []string
	middles []string
	lasts   []string
}

func (s *recordingSink) First(ctx context.Context, sentenceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firsts = append(s.firsts, sentenceID)
}
func (s *recordingSink) Middle(ctx context.Context, sentenceID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middles = append(s.middles, text)
}
func (s *recordingSink) Last(ctx context.Context, sentenceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lasts = append(s.lasts, sentenceID)
}

func TestCallAccumulator_MergesStructuredDeltasByIndex(t *testing.T) {
	c := newCallAccumulator()
	c.merge(llmToolCallDelta(0, "call_1", "get_weather", `{"city":`))
	c.merge(llmToolCallDelta(0, "", "", `"Tokyo"}`))
	refs := c.finalize()
	require.Len(t, refs, 1)
	assert.Equal(t, "call_1", refs[0].ID)
	assert.Equal(t, "get_weather", refs[0].Name)
	assert.Equal(t, `{"city":"Tokyo"}`, refs[0].Arguments)
}

func TestCallAccumulator_PreservesStableIndexOrder(t *testing.T) {
	c := newCallAccumulator()
	c.merge(llmToolCallDelta(1, "call_2", "second", `{}`))
	c.merge(llmToolCallDelta(0, "call_1", "first", `{}`))
	refs := c.finalize()
	require.Len(t, refs, 2)
	assert.Equal(t, "first", refs[0].Name)
	assert.Equal(t, "second", refs[1].Name)
}

func TestCallAccumulator_TextBasedToolCallExtracted(t *testing.T) {
	c := newCallAccumulator()
	assert.True(t, c.consumingTextTool(`<tool_call>{"name":"get_weather",`))
	assert.True(t, c.consumingTextTool(`"arguments":{"city":"Paris"}}`))
	refs := c.finalize()
	require.Len(t, refs, 1)
	assert.Equal(t, "get_weather", refs[0].Name)
}

func TestCallAccumulator_PlainContentNotConsumed(t *testing.T) {
	c := newCallAccumulator()
	assert.False(t, c.consumingTextTool("hello there"))
}

func TestTurnState_EmotionHookFiresOnce(t *testing.T) {
	state := &turnState{}
	calls := 0
	hook := func(ctx context.Context, text string) { calls++ }
	state.fireEmotionOnce(context.Background(), hook, "a")
	state.fireEmotionOnce(context.Background(), hook, "b")
	assert.Equal(t, 1, calls)
}

func TestSchemasToOpenAITools_ParsesParameters(t *testing.T) {
	schemas := []tools.Schema{
		{Name: "get_weather", Description: "d", Parameters: json.RawMessage(`{"type":"object"}`)},
	}
	out := schemasToOpenAITools(schemas)
	require.Len(t, out, 1)
	assert.Equal(t, "get_weather", out[0].Function.Name)
}

