package openaicompat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hardik936/llmgate"
	"github.com/hardik936/llmgate/provider/openaicompat"
)

func newClient(t *testing.T, handler http.HandlerFunc) *openaicompat.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return openaicompat.New(openaicompat.WithEndpoint("groq", openaicompat.Endpoint{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "llama-3.1-8b",
	}))
}

func TestCall_Success(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body struct {
			Model    string                `json:"model"`
			Messages []openaicompat.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama-3.1-8b", body.Model)
		assert.Equal(t, []openaicompat.Message{{Role: "user", Content: "hi"}}, body.Messages)

		_, _ = w.Write([]byte(`{"id":"c1","model":"llama-3.1-8b","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`))
	})

	res, err := c.Call(context.Background(), "groq", llmgate.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.TokensUsed)
	out := res.Value.(openaicompat.Result)
	assert.Equal(t, "hello", out.Content)
	assert.Equal(t, "stop", out.FinishReason)
}

func TestCall_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
		class  llmgate.ErrorClass
	}{
		{http.StatusTooManyRequests, llmgate.ErrRateLimited, llmgate.ClassTransient},
		{http.StatusServiceUnavailable, llmgate.ErrServer, llmgate.ClassTransient},
		{http.StatusRequestTimeout, llmgate.ErrTimeout, llmgate.ClassTransient},
		{http.StatusBadRequest, llmgate.ErrInvalidRequest, llmgate.ClassFatal},
		{http.StatusUnauthorized, llmgate.ErrInvalidRequest, llmgate.ClassFatal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.Call(context.Background(), "groq", llmgate.Request{Prompt: "hi"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.class, llmgate.Classify(err))

			var pce *llmgate.ProviderCallError
			require.ErrorAs(t, err, &pce)
			assert.Equal(t, tt.status, pce.StatusCode)
			assert.Equal(t, "groq", pce.Provider)
		})
	}
}

func TestCall_MalformedBodyIsSchemaError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := c.Call(context.Background(), "groq", llmgate.Request{Prompt: "hi"})
	assert.ErrorIs(t, err, llmgate.ErrSchema)
	assert.True(t, llmgate.IsFatal(err))
}

func TestCall_ConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := openaicompat.New(openaicompat.WithEndpoint("groq", openaicompat.Endpoint{BaseURL: url}))
	_, err := c.Call(context.Background(), "groq", llmgate.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, llmgate.IsRetryable(err))
}

func TestCall_UnknownProvider(t *testing.T) {
	c := openaicompat.New()
	_, err := c.Call(context.Background(), "nope", llmgate.Request{})
	assert.ErrorIs(t, err, llmgate.ErrInvalidRequest)
}

func TestCall_PayloadMessages(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []openaicompat.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.Messages, 2)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})
	_, err := c.Call(context.Background(), "groq", llmgate.Request{Payload: []openaicompat.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	}})
	require.NoError(t, err)
}
