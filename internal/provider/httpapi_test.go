package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airouter/internal/llmerr"
)

func newTestHTTPProvider(t *testing.T, baseURL string) *HTTPProvider {
	t.Helper()
	p, err := NewRegistry().Build(KindHTTPAPI, "remote", map[string]interface{}{
		"base_url":        baseURL,
		"api_key":         "test-key",
		"timeout_seconds": 5,
	}, Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p.(*HTTPProvider)
}

func TestHTTPExecuteSuccess(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	p := newTestHTTPProvider(t, srv.URL)
	resp, err := p.Execute(context.Background(), Request{
		ModelID:      "gpt-4o-mini",
		Prompt:       "hello",
		SystemPrompt: "be brief",
		Parameters:   map[string]interface{}{"max_tokens": 64},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Text)
	assert.Equal(t, 12, resp.TokensIn)
	assert.Equal(t, 3, resp.TokensOut)
	assert.Equal(t, "remote", resp.ProviderName)

	// max_tokens keeps the backend spelling; system prompt is a message.
	assert.Equal(t, float64(64), gotBody["max_tokens"])
	msgs := gotBody["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
}

func TestHTTPExecuteRejectsUnknownParameterWithoutCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	p := newTestHTTPProvider(t, srv.URL)
	_, err := p.Execute(context.Background(), Request{
		ModelID:    "m",
		Prompt:     "hi",
		Parameters: map[string]interface{}{"banana": 1},
	})
	require.Error(t, err)
	assert.Equal(t, llmerr.KindInvalidParameter, llmerr.KindOf(err))
	assert.False(t, called, "no network call may be issued for invalid parameters")
}

func TestHTTPStatusClassification(t *testing.T) {
	status := 500
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == 429 {
			w.Header().Set("Retry-After", "3")
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := newTestHTTPProvider(t, srv.URL)
	req := Request{ModelID: "m", Prompt: "hi"}

	_, err := p.Execute(context.Background(), req)
	assert.Equal(t, llmerr.KindServerError, llmerr.KindOf(err))

	status = 401
	_, err = p.Execute(context.Background(), req)
	assert.Equal(t, llmerr.KindAuthentication, llmerr.KindOf(err))

	status = 429
	_, err = p.Execute(context.Background(), req)
	var te *llmerr.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, llmerr.KindRateLimit, te.Kind)
	assert.Equal(t, 3*time.Second, te.RetryAfter)
}

func TestHTTPStreamSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Events separated by blank lines; split data lines concatenate.
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":\n" +
				"data: {\"content\":\" world\"}}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := newTestHTTPProvider(t, srv.URL)
	events, err := p.StreamExecute(context.Background(), Request{ModelID: "m", Prompt: "hi"})
	require.NoError(t, err)

	var chunks []string
	var final *Response
	for ev := range events {
		require.NoError(t, ev.Err)
		if ev.Final != nil {
			final = ev.Final
			continue
		}
		chunks = append(chunks, ev.Text)
	}
	assert.Equal(t, []string{"Hello", " world"}, chunks)
	require.NotNil(t, final)
	assert.Equal(t, "Hello world", final.Text)
}

func TestHTTPStreamFailsBeforeFirstChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newTestHTTPProvider(t, srv.URL)
	_, err := p.StreamExecute(context.Background(), Request{ModelID: "m", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, llmerr.KindServerError, llmerr.KindOf(err))
}

func TestHTTPListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{"id": "gpt-4o-mini"}, {"id": "gpt-4o"}},
		})
	}))
	defer srv.Close()

	p := newTestHTTPProvider(t, srv.URL)
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o-mini", models[0].ID)
	assert.Equal(t, KindHTTPAPI, models[0].Framework)
}

func TestHTTPValidateConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer srv.Close()

	p := newTestHTTPProvider(t, srv.URL)
	assert.NoError(t, p.ValidateConfig(context.Background()))

	// Missing credential fails with Authentication before any request.
	noKey, err := NewRegistry().Build(KindHTTPAPI, "remote", map[string]interface{}{
		"base_url":    srv.URL,
		"api_key_env": "AIROUTER_TEST_ABSENT_KEY",
	}, Deps{})
	require.NoError(t, err)
	verr := noKey.ValidateConfig(context.Background())
	require.Error(t, verr)
	assert.Equal(t, llmerr.KindAuthentication, llmerr.KindOf(verr))
}
