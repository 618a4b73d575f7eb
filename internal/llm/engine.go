// Package llm implements LLMEngine: a streaming chat-completion client
// over github.com/sashabaranov/go-openai, with <think> suppression and
// a vendor-agnostic tool-call-delta stream.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/lingecho/voicebridge/internal/dialogue"
)

// ToolCallDelta is one incremental fragment of a tool call being
// assembled across stream chunks.
type ToolCallDelta struct {
	Index            int
	ID               string
	Name             string
	ArgumentsChunk   string
}

// Event is one item of a stream_with_tools response: either a content
// delta or a tool-call fragment, never both.
type Event struct {
	Content  string
	ToolCall *ToolCallDelta
}

// Params are the optional numeric generation parameters. A nil pointer
// means "omit from the upstream request".
type Params struct {
	MaxTokens        *int
	Temperature      *float32
	TopP             *float32
	FrequencyPenalty *float32
}

// Engine wraps an OpenAI-compatible streaming client.
type Engine struct {
	client *openai.Client
	model  string
	params Params
}

// New constructs an Engine for the given model against client.
func New(client *openai.Client, model string, params Params) *Engine {
	return &Engine{client: client, model: model, params: params}
}

func toOpenAIMessages(msgs []dialogue.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func (e *Engine) request(dialogueMsgs []dialogue.Message, tools []openai.Tool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: toOpenAIMessages(dialogueMsgs),
		Stream:   true,
		Tools:    tools,
	}
	if e.params.MaxTokens != nil {
		req.MaxTokens = *e.params.MaxTokens
	}
	if e.params.Temperature != nil {
		req.Temperature = *e.params.Temperature
	}
	if e.params.TopP != nil {
		req.TopP = *e.params.TopP
	}
	if e.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *e.params.FrequencyPenalty
	}
	return req
}

// Stream yields plain content deltas with <think> segments suppressed.
func (e *Engine) Stream(ctx context.Context, dialogueMsgs []dialogue.Message) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		stream, err := e.client.CreateChatCompletionStream(ctx, e.request(dialogueMsgs, nil))
		if err != nil {
			errc <- fmt.Errorf("llm: create stream: %w", err)
			return
		}
		defer stream.Close()

		var filter ThinkFilter
		for {
			resp, err := stream.Recv()
			if err != nil {
				if isStreamEOF(err) {
					return
				}
				errc <- fmt.Errorf("llm: recv: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if visible := filter.Filter(delta); visible != "" {
				select {
				case out <- visible:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errc
}

// StreamWithTools yields content deltas and/or partial tool-call
// fragments, merged by index downstream in TurnEngine.
func (e *Engine) StreamWithTools(ctx context.Context, dialogueMsgs []dialogue.Message, tools []openai.Tool) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		stream, err := e.client.CreateChatCompletionStream(ctx, e.request(dialogueMsgs, tools))
		if err != nil {
			errc <- fmt.Errorf("llm: create stream: %w", err)
			return
		}
		defer stream.Close()

		var filter ThinkFilter
		for {
			resp, err := stream.Recv()
			if err != nil {
				if isStreamEOF(err) {
					return
				}
				errc <- fmt.Errorf("llm: recv: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta

			if delta.Content != "" {
				if visible := filter.Filter(delta.Content); visible != "" {
					if !sendEvent(ctx, out, Event{Content: visible}) {
						return
					}
				}
			}
			for _, tc := range delta.ToolCalls {
				ev := Event{ToolCall: &ToolCallDelta{
					Index:          indexOrZero(tc.Index),
					ID:             tc.ID,
					Name:           tc.Function.Name,
					ArgumentsChunk: tc.Function.Arguments,
				}}
				if !sendEvent(ctx, out, ev) {
					return
				}
			}
		}
	}()

	return out, errc
}

func sendEvent(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func indexOrZero(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func isStreamEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
