package api

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string `json:"name" validate:"required"`
	Mode string `json:"mode" validate:"omitempty,oneof=replace append merge"`
}

func TestDecodeValidates(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"mode":"other"}`))
	err := Decode(r, &sample{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "mode must be one of: replace append merge")
}

func TestDecodeRejectsMalformedBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{`))
	err := Decode(r, &sample{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid request body")
}

func TestWriteErrorEscapes(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, 400, `bad "quote"`)
	assert.Equal(t, 400, w.Code)
	assert.JSONEq(t, `{"error":"bad \"quote\""}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestSSEFraming(t *testing.T) {
	w := httptest.NewRecorder()
	s, err := NewSSE(w)
	require.NoError(t, err)
	require.NoError(t, s.Delta("hel"))
	require.NoError(t, s.Delta("lo"))
	require.NoError(t, s.Done())

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t,
		"data: {\"delta\":{\"text\":\"hel\"}}\n\ndata: {\"delta\":{\"text\":\"lo\"}}\n\ndata: [DONE]\n\n",
		w.Body.String())
}

func TestWantsStream(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	assert.False(t, WantsStream(r))
	r.Header.Set("Accept", "text/event-stream")
	assert.True(t, WantsStream(r))
	assert.True(t, WantsStream(httptest.NewRequest("POST", "/?stream=true", nil)))
}
