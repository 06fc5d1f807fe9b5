package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTTS(t *testing.T, endpoint string) *VolcengineTTS {
	t.Helper()
	client, err := NewVolcengineTTS(VolcengineConfig{
		AppID:    "test-app",
		Token:    "test-token",
		Endpoint: endpoint,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client
}

func TestSynthesize(t *testing.T) {
	audio := []byte("mp3-bytes")
	var gotRequest synthesisRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer;test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))

		json.NewEncoder(w).Encode(synthesisResponse{
			Code: 3000,
			Data: base64.StdEncoding.EncodeToString(audio),
		})
	}))
	defer server.Close()

	client := newTestTTS(t, server.URL)
	got, err := client.Synthesize(context.Background(), "你好", "")
	require.NoError(t, err)
	assert.Equal(t, audio, got)

	assert.Equal(t, "test-app", gotRequest.App.AppID)
	assert.Equal(t, defaultCluster, gotRequest.App.Cluster)
	assert.Equal(t, defaultVoice, gotRequest.Audio.VoiceType)
	assert.Equal(t, "mp3", gotRequest.Audio.Encoding)
	assert.Equal(t, "你好", gotRequest.Request.Text)
	assert.Equal(t, "query", gotRequest.Request.Operation)
	assert.NotEmpty(t, gotRequest.Request.ReqID)
}

func TestSynthesizeVoiceOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req synthesisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "zh_male_custom", req.Audio.VoiceType)

		json.NewEncoder(w).Encode(synthesisResponse{
			Data: base64.StdEncoding.EncodeToString([]byte("x")),
		})
	}))
	defer server.Close()

	client := newTestTTS(t, server.URL)
	_, err := client.Synthesize(context.Background(), "你好", "zh_male_custom")
	require.NoError(t, err)
}

func TestSynthesizeServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(synthesisResponse{Code: 3011, Message: "invalid voice"})
	}))
	defer server.Close()

	client := newTestTTS(t, server.URL)
	_, err := client.Synthesize(context.Background(), "你好", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3011")
	assert.Contains(t, err.Error(), "invalid voice")
}

func TestSynthesizeHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestTTS(t, server.URL)
	_, err := client.Synthesize(context.Background(), "你好", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprint(http.StatusForbidden))
}

func TestSynthesizeEmptyText(t *testing.T) {
	client := newTestTTS(t, "http://unused.invalid")
	_, err := client.Synthesize(context.Background(), "", "")
	require.Error(t, err)
}

func TestNewVolcengineTTSValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := NewVolcengineTTS(VolcengineConfig{Token: "t"}, logger)
	require.Error(t, err)

	_, err = NewVolcengineTTS(VolcengineConfig{AppID: "a"}, logger)
	require.Error(t, err)
}
