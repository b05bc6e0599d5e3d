package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken123/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("token123", "chat42", zerolog.Nop()).WithAPIBase(srv.URL)
	require.NoError(t, s.Send("backup done"))

	assert.Equal(t, "chat42", got["chat_id"])
	assert.Equal(t, "backup done", got["text"])
}

func TestSend_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewTelegramSender("token123", "chat42", zerolog.Nop()).WithAPIBase(srv.URL)
	err := s.Send("backup done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSend_DisabledWithoutCredentials(t *testing.T) {
	s := NewTelegramSender("", "", zerolog.Nop())
	assert.NoError(t, s.Send("ignored"))
}
