package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// LocalFunc is an in-process tool implementation. args is the raw JSON
// argument object the LLM produced.
type LocalFunc func(ctx context.Context, args json.RawMessage) (Result, error)

type localFunction struct {
	schema Schema
	fn     LocalFunc
}

// LocalSource is server_local: functions registered at process
// startup, dispatched in-process with no network hop.
type LocalSource struct {
	functions map[string]localFunction
	order     []string
}

// NewLocalSource returns an empty LocalSource.
func NewLocalSource() *LocalSource {
	return &LocalSource{functions: make(map[string]localFunction)}
}

// RegisterTool adds one function, mirroring the teacher's
// LLMService.RegisterTool(name, description, parameters, fn) shape.
func (l *LocalSource) RegisterTool(name, description string, parameters json.RawMessage, fn LocalFunc) {
	if _, exists := l.functions[name]; !exists {
		l.order = append(l.order, name)
	}
	l.functions[name] = localFunction{
		schema: Schema{Name: name, Description: description, Parameters: parameters},
		fn:     fn,
	}
}

func (l *LocalSource) Functions() []Schema {
	out := make([]Schema, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.functions[name].schema)
	}
	return out
}

func (l *LocalSource) Dispatch(ctx context.Context, originalName string, args json.RawMessage) (Result, error) {
	f, ok := l.functions[originalName]
	if !ok {
		return Result{Action: ActionNotFound}, nil
	}
	return f.fn(ctx, args)
}

// mustSchema marshals a parameter schema literal for RegisterTool call
// sites, panicking on a programmer error (malformed literal), never on
// user input.
func mustSchema(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("tools: invalid schema literal: %v", err))
	}
	return b
}

// RegisterGoodbyeTool registers the "say goodbye and go idle" function,
// grounded in the teacher's goodbye tool: triggered when the user
// expresses intent to end the conversation.
func RegisterGoodbyeTool(src *LocalSource, onGoodbye func() error) {
	src.RegisterTool(
		"goodbye",
		"Call this when the user expresses an intent to end the conversation or say goodbye.",
		mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "optional reason for ending the conversation",
				},
			},
			"required": []string{},
		}),
		func(ctx context.Context, args json.RawMessage) (Result, error) {
			var parsed struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal(args, &parsed)

			if onGoodbye != nil {
				if err := onGoodbye(); err != nil {
					return Result{Action: ActionError, Text: err.Error()}, nil
				}
			}
			message := "Goodbye."
			if parsed.Reason != "" {
				message = fmt.Sprintf("Goodbye, %s.", parsed.Reason)
			}
			return Result{Action: ActionResponse, Text: message}, nil
		},
	)
}
