// Package turn implements TurnEngine: the per-turn orchestration of
// memory lookup, streaming LLM output, tool dispatch, and bounded
// recursive follow-up that ultimately produces the envelope of TTS
// markers (FIRST, MIDDLE*, LAST) for one user utterance.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lingecho/voicebridge/internal/dialogue"
	"github.com/lingecho/voicebridge/internal/llm"
	"github.com/lingecho/voicebridge/internal/tools"
)

const maxDepthInstruction = "[System Prompt] Maximum tool call limit reached, please directly provide the final answer based on all information currently obtained. Do not attempt to call any tools."

const defaultMaxDepth = 5

// Sink receives the TTS envelope a turn produces.
type Sink interface {
	First(ctx context.Context, sentenceID string)
	Middle(ctx context.Context, sentenceID, text string)
	Last(ctx context.Context, sentenceID string)
}

// MemoryQuery looks up a short summary relevant to q. A nil func
// disables memory lookup.
type MemoryQuery func(ctx context.Context, q string) (string, error)

// EmotionHook is fired once per turn on the first non-empty content
// delta, to kick off an asynchronous emotion-extraction side task.
type EmotionHook func(ctx context.Context, text string)

// Engine runs one turn at a time against a single connection's
// dialogue, LLM, and tool registry.
type Engine struct {
	store    *dialogue.Store
	llm      *llm.Engine
	registry *tools.Registry
	sink     Sink
	memory   MemoryQuery
	emotion  EmotionHook
	maxDepth int
	logger   *zap.Logger
}

// New constructs an Engine. memory and emotion may be nil.
func New(store *dialogue.Store, engine *llm.Engine, registry *tools.Registry, sink Sink, memory MemoryQuery, emotion EmotionHook, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store: store, llm: engine, registry: registry, sink: sink,
		memory: memory, emotion: emotion, maxDepth: defaultMaxDepth, logger: logger,
	}
}

type envelope struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

type turnState struct {
	emotionFired bool
	mu           sync.Mutex
}

func (s *turnState) fireEmotionOnce(ctx context.Context, hook EmotionHook, text string) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	already := s.emotionFired
	s.emotionFired = true
	s.mu.Unlock()
	if !already {
		hook(ctx, text)
	}
}

// Run executes one full user turn: appends the user message, emits
// FIRST, streams/dispatches/recurses, then emits LAST once the whole
// recursive chain (not just the top level) has drained.
func (e *Engine) Run(ctx context.Context, rawQuery string) error {
	query := rawQuery
	var env envelope
	if json.Unmarshal([]byte(rawQuery), &env) == nil && env.Content != "" {
		query = env.Content
	}

	e.store.Put(dialogue.Message{Role: dialogue.RoleUser, Content: query})

	sentenceID := uuid.NewString()
	e.sink.First(ctx, sentenceID)

	state := &turnState{}
	if err := e.runDepth(ctx, 0, sentenceID, query, state); err != nil {
		return err
	}
	e.sink.Last(ctx, sentenceID)
	return nil
}

func (e *Engine) runDepth(ctx context.Context, depth int, sentenceID, memoryQuery string, state *turnState) error {
	offerTools := depth < e.maxDepth
	if !offerTools {
		e.store.Put(dialogue.Message{Role: dialogue.RoleUser, Content: maxDepthInstruction})
	}

	memorySummary := ""
	if depth == 0 && e.memory != nil {
		if summary, err := e.memory(ctx, memoryQuery); err == nil {
			memorySummary = summary
		} else {
			e.logger.Warn("turn: memory query failed", zap.Error(err))
		}
	}

	dialogueMsgs := e.store.GetForLLM(memorySummary, "")

	var toolDefs []openai.Tool
	if offerTools {
		toolDefs = schemasToOpenAITools(e.registry.Functions())
	}

	events, errc := e.llm.StreamWithTools(ctx, dialogueMsgs, toolDefs)

	var content strings.Builder
	calls := newCallAccumulator()

	for ev := range events {
		if ev.ToolCall != nil {
			calls.merge(*ev.ToolCall)
			continue
		}
		if ev.Content == "" {
			continue
		}
		if calls.consumingTextTool(ev.Content) {
			continue
		}
		content.WriteString(ev.Content)
		e.sink.Middle(ctx, sentenceID, ev.Content)
		state.fireEmotionOnce(ctx, e.emotion, ev.Content)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("turn: llm stream: %w", err)
	}

	refs := calls.finalize()
	if len(refs) == 0 {
		if content.Len() > 0 {
			e.store.Put(dialogue.Message{Role: dialogue.RoleAssistant, Content: content.String()})
		}
		return nil
	}

	e.store.Put(dialogue.Message{
		Role:      dialogue.RoleAssistant,
		Content:   content.String(),
		ToolCalls: refs,
	})

	results := e.dispatchAll(ctx, refs)

	anyReqLLM := false
	for i, ref := range refs {
		result := results[i]
		switch result.Action {
		case tools.ActionReqLLM:
			anyReqLLM = true
			e.store.Put(dialogue.Message{Role: dialogue.RoleTool, Content: result.Text, ToolCallID: ref.ID})
		default:
			// RESPONSE, NOTFOUND, ERROR: surface directly, no further LLM round for this call.
			e.sink.Middle(ctx, sentenceID, result.Text)
			e.store.Put(dialogue.Message{Role: dialogue.RoleTool, Content: result.Text, ToolCallID: ref.ID})
		}
	}

	if !anyReqLLM {
		return nil
	}
	return e.runDepth(ctx, depth+1, sentenceID, memoryQuery, state)
}

func (e *Engine) dispatchAll(ctx context.Context, refs []dialogue.ToolCallRef) []tools.Result {
	results := make([]tools.Result, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			result, err := e.registry.Dispatch(gctx, ref.Name, json.RawMessage(ref.Arguments))
			if err != nil {
				results[i] = tools.Result{Action: tools.ActionError, Text: err.Error()}
				return nil
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func schemasToOpenAITools(schemas []tools.Schema) []openai.Tool {
	out := make([]openai.Tool, 0, len(schemas))
	for _, s := range schemas {
		var params any
		if len(s.Parameters) > 0 {
			_ = json.Unmarshal(s.Parameters, &params)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// callAccumulator merges structured tool_call deltas by index and
// separately accumulates a text-based <tool_call>{...} block until a
// balanced JSON object can be extracted.
type callAccumulator struct {
	order   []int
	byIndex map[int]*dialogue.ToolCallRef

	textMode bool
	textBuf  strings.Builder
	depth    int
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{byIndex: make(map[int]*dialogue.ToolCallRef)}
}

func (c *callAccumulator) merge(delta llm.ToolCallDelta) {
	ref, ok := c.byIndex[delta.Index]
	if !ok {
		ref = &dialogue.ToolCallRef{}
		c.byIndex[delta.Index] = ref
		c.order = append(c.order, delta.Index)
	}
	if delta.ID != "" {
		ref.ID = delta.ID
	}
	if delta.Name != "" {
		ref.Name = delta.Name
	}
	ref.Arguments += delta.ArgumentsChunk
}

// consumingTextTool returns true if the content delta was consumed as
// part of an in-progress (or newly started) text-based tool call
// block, and should not be emitted as visible TTS text.
func (c *callAccumulator) consumingTextTool(content string) bool {
	if !c.textMode {
		if !strings.HasPrefix(strings.TrimSpace(content), "<tool_call>") {
			return false
		}
		c.textMode = true
	}
	c.textBuf.WriteString(content)
	for _, r := range content {
		switch r {
		case '{':
			c.depth++
		case '}':
			c.depth--
		}
	}
	if c.depth <= 0 && c.textBuf.Len() > 0 {
		c.extractTextToolCall()
	}
	return true
}

func (c *callAccumulator) extractTextToolCall() {
	raw := c.textBuf.String()
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return
	}
	var parsed struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return
	}
	index := -1 - len(c.order) // negative index space, disjoint from structured deltas
	ref := &dialogue.ToolCallRef{ID: uuid.NewString(), Name: parsed.Name, Arguments: string(parsed.Arguments)}
	c.byIndex[index] = ref
	c.order = append(c.order, index)
	c.textMode = false
	c.textBuf.Reset()
	c.depth = 0
}

func (c *callAccumulator) finalize() []dialogue.ToolCallRef {
	indices := append([]int(nil), c.order...)
	sort.Ints(indices)
	out := make([]dialogue.ToolCallRef, 0, len(indices))
	for _, idx := range indices {
		out = append(out, *c.byIndex[idx])
	}
	return out
}
