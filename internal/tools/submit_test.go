package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShapeSubmissionResponse(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			name: "wrong with retry window strips url",
			in:   map[string]any{"correct": false, "delay": float64(12), "url": "https://quiz/next", "reason": "bad sum"},
			want: map[string]any{"correct": false, "delay": float64(12), "reason": "bad sum"},
		},
		{
			name: "wrong without url unchanged",
			in:   map[string]any{"correct": false, "reason": "bad sum"},
			want: map[string]any{"correct": false, "reason": "bad sum"},
		},
		{
			name: "overdue collapses to url",
			in:   map[string]any{"correct": true, "delay": float64(180), "url": "https://quiz/next", "reason": nil},
			want: map[string]any{"url": "https://quiz/next"},
		},
		{
			name: "wrong and overdue keeps url",
			in:   map[string]any{"correct": false, "delay": float64(240.5), "url": "https://quiz/next"},
			want: map[string]any{"url": "https://quiz/next"},
		},
		{
			name: "overdue without url",
			in:   map[string]any{"correct": false, "delay": float64(999)},
			want: map[string]any{"url": nil},
		},
		{
			name: "non numeric delay counts as zero",
			in:   map[string]any{"correct": false, "delay": "500", "url": "https://quiz/next"},
			want: map[string]any{"correct": false, "delay": "500"},
		},
		{
			name: "correct passes through",
			in:   map[string]any{"correct": true, "delay": float64(3), "url": "https://quiz/next"},
			want: map[string]any{"correct": true, "delay": float64(3), "url": "https://quiz/next"},
		},
		{
			name: "missing correct is not false",
			in:   map[string]any{"delay": float64(3), "url": "https://quiz/next"},
			want: map[string]any{"delay": float64(3), "url": "https://quiz/next"},
		},
		{
			name: "null correct is not false",
			in:   map[string]any{"correct": nil, "url": "https://quiz/next"},
			want: map[string]any{"correct": nil, "url": "https://quiz/next"},
		},
		{
			name: "just under threshold",
			in:   map[string]any{"correct": false, "delay": float64(179.99), "url": "u"},
			want: map[string]any{"correct": false, "delay": float64(179.99)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			original := make(map[string]any, len(tc.in))
			for k, v := range tc.in {
				original[k] = v
			}
			require.Equal(t, tc.want, ShapeSubmissionResponse(tc.in))
			require.Equal(t, original, tc.in, "input must not be modified")
		})
	}
}

func TestSubmitToolPostsWithCredentials(t *testing.T) {
	var received map[string]any
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"correct":false,"delay":5,"url":"https://quiz/next","reason":"off by one"}`))
	}))
	defer server.Close()

	tool := NewSubmitTool(Credentials{Email: "me@example.com", Secret: "s3cret"}, server.Client(), nil)
	out := tool.Call(context.Background(), json.RawMessage(`{"url":"`+server.URL+`/submit","payload":{"answer":41,"email":"override@example.com"}}`))

	require.Equal(t, "application/json", contentType)
	require.Equal(t, "me@example.com", received["email"])
	require.Equal(t, "s3cret", received["secret"])
	require.Equal(t, float64(41), received["answer"])
	require.Equal(t, map[string]any{"correct": false, "delay": float64(5), "reason": "off by one"}, out)
}

func TestSubmitToolKeepsPayloadCredentialsWhenUnset(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		_, _ = w.Write([]byte(`{"correct":true}`))
	}))
	defer server.Close()

	tool := NewSubmitTool(Credentials{}, server.Client(), nil)
	tool.Call(context.Background(), json.RawMessage(`{"url":"`+server.URL+`","payload":{"email":"typed@example.com"}}`))

	require.Equal(t, "typed@example.com", received["email"])
	require.NotContains(t, received, "secret")
}

func TestSubmitToolCustomHeaders(t *testing.T) {
	var token string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("X-Token")
		_, _ = w.Write([]byte(`accepted`))
	}))
	defer server.Close()

	out := NewSubmitTool(Credentials{}, server.Client(), nil).Call(context.Background(),
		json.RawMessage(`{"url":"`+server.URL+`","payload":{},"headers":{"X-Token":"abc"}}`))
	require.Equal(t, "abc", token)
	require.Equal(t, "accepted", out)
}

func TestSubmitToolErrorBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/json" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"missing answer"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	tool := NewSubmitTool(Credentials{}, server.Client(), nil)
	out := tool.Call(context.Background(), json.RawMessage(`{"url":"`+server.URL+`/json","payload":{}}`))
	require.Equal(t, map[string]any{"error": "missing answer"}, out)

	out = tool.Call(context.Background(), json.RawMessage(`{"url":"`+server.URL+`/text","payload":{}}`))
	require.Equal(t, "upstream exploded", out)
}

func TestSubmitToolTransportError(t *testing.T) {
	out := NewSubmitTool(Credentials{}, nil, nil).Call(context.Background(), json.RawMessage(`{"url":"http://127.0.0.1:1/submit","payload":{}}`))
	require.IsType(t, "", out)
	require.NotEmpty(t, out)
}

func TestCredentialsStringHidesSecret(t *testing.T) {
	require.NotContains(t, Credentials{Email: "a@b.c", Secret: "hunter2"}.String(), "hunter2")
}
