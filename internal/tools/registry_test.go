package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	fns      []Schema
	dispatch func(ctx context.Context, originalName string, args json.RawMessage) (Result, error)
}

func (f *fakeSource) Functions() []Schema { return f.fns }

func (f *fakeSource) Dispatch(ctx context.Context, originalName string, args json.RawMessage) (Result, error) {
	return f.dispatch(ctx, originalName, args)
}

func TestRegistry_DispatchRoutesToImportedSource(t *testing.T) {
	var gotName string
	src := &fakeSource{
		fns: []Schema{{Name: "get_weather", Description: "fetches weather"}},
		dispatch: func(ctx context.Context, originalName string, args json.RawMessage) (Result, error) {
			gotName = originalName
			return Result{Action: ActionResponse, Text: "sunny"}, nil
		},
	}

	r := New()
	r.Import(src)

	result, err := r.Dispatch(context.Background(), "get_weather", nil)
	require.NoError(t, err)
	assert.Equal(t, "get_weather", gotName)
	assert.Equal(t, Result{Action: ActionResponse, Text: "sunny"}, result)
}

func TestRegistry_DispatchUnknownNameYieldsNotFound(t *testing.T) {
	r := New()
	result, err := r.Dispatch(context.Background(), "nonexistent", nil)
	require.NoError(t, err)
	assert.Equal(t, ActionNotFound, result.Action)
}

func TestRegistry_DispatchSourceErrorYieldsActionError(t *testing.T) {
	src := &fakeSource{
		fns: []Schema{{Name: "boom"}},
		dispatch: func(ctx context.Context, originalName string, args json.RawMessage) (Result, error) {
			return Result{}, assert.AnError
		},
	}

	r := New()
	r.Import(src)

	result, err := r.Dispatch(context.Background(), "boom", nil)
	require.NoError(t, err)
	assert.Equal(t, ActionError, result.Action)
	assert.Equal(t, assert.AnError.Error(), result.Text)
}

func TestRegistry_ImportSanitizesAndDedupesCollidingNames(t *testing.T) {
	srcA := &fakeSource{fns: []Schema{{Name: "get weather"}}}
	srcB := &fakeSource{fns: []Schema{{Name: "get-weather"}}}

	r := New()
	r.Import(srcA)
	r.Import(srcB)

	names := make([]string, 0, 2)
	for _, fn := range r.Functions() {
		names = append(names, fn.Name)
	}
	assert.ElementsMatch(t, []string{"get_weather", "get_weather_2"}, names)
}
