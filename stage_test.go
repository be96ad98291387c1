package llmgate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lg "github.com/hardik936/llmgate"
)

func tag(name string, log *[]string) lg.Stage {
	return func(next lg.Handler) lg.Handler {
		return lg.HandlerFunc(func(ctx context.Context, req lg.Request) (lg.Response, error) {
			*log = append(*log, name+">")
			resp, err := next.Call(ctx, req)
			*log = append(*log, "<"+name)
			return resp, err
		})
	}
}

func TestPipeline_Order(t *testing.T) {
	var log []string
	base := lg.Chain(tag("a", &log), tag("b", &log))
	extended := base.Append(tag("c", &log))

	h := extended.Then(lg.HandlerFunc(func(ctx context.Context, req lg.Request) (lg.Response, error) {
		log = append(log, "handler")
		return lg.Response{RoutedTo: "x"}, nil
	}))

	resp, err := h.Call(context.Background(), lg.Request{})
	require.NoError(t, err)
	assert.Equal(t, "x", resp.RoutedTo)
	assert.Equal(t, []string{"a>", "b>", "c>", "handler", "<c", "<b", "<a"}, log)
}

func TestPipeline_AppendDoesNotAlias(t *testing.T) {
	var log []string
	base := lg.Chain(tag("a", &log))
	_ = base.Append(tag("b", &log))

	h := base.Then(lg.HandlerFunc(func(ctx context.Context, req lg.Request) (lg.Response, error) {
		return lg.Response{}, nil
	}))
	_, err := h.Call(context.Background(), lg.Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "<a"}, log)
}
