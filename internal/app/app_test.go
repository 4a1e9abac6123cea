package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
)

func init() { gin.SetMode(gin.TestMode) }

func testConfig(mr *miniredis.Miniredis, upstreamURL string) config.Config {
	return config.Config{
		HTTPAddr:           "127.0.0.1:0",
		DBDriver:           "sqlite",
		DBDSN:              "file::memory:",
		JWTSecret:          "e2e-secret",
		RedisAddr:          mr.Addr(),
		ChatLimitSeconds:   10,
		UpstreamBaseURL:    upstreamURL,
		UpstreamTimeout:    5 * time.Second,
		QueueBackend:       config.QueueMemory,
		RabbitQueue:        "chat",
		WorkerConcurrency:  2,
		ClaimTTL:           time.Hour,
		StreamIdleTimeout:  time.Minute,
		StreamWriteTimeout: time.Second,
		StreamSendBuffer:   32,
		CORSAllowOrigins:   []string{"*"},
	}
}

func fakeUpstream(t *testing.T, deltas ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func openApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	deps, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(deps.DB))
	a := New(cfg, deps)
	t.Cleanup(a.Close)
	return a
}

// readData collects the data lines of the event stream until it ends.
func readData(t *testing.T, body io.Reader) []string {
	t.Helper()
	out := make(chan []string, 1)
	go func() {
		var data []string
		sc := bufio.NewScanner(body)
		for sc.Scan() {
			if v, ok := strings.CutPrefix(sc.Text(), "data:"); ok {
				data = append(data, strings.TrimPrefix(v, " "))
			}
		}
		out <- data
	}()
	select {
	case d := <-out:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end")
		return nil
	}
}

func TestChatRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	up := fakeUpstream(t, "He", "llo")
	a := openApp(t, testConfig(mr, up.URL))

	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan error, 1)
	go func() { poolDone <- a.Pool.Run(ctx) }()
	defer func() {
		cancel()
		<-poolDone
	}()

	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	tok, err := auth.SignJWT(9, "e2e-secret", time.Hour)
	require.NoError(t, err)
	body, _ := json.Marshal(map[string]any{
		"modelRef": "m-1",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/chat/request", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var env struct {
		Code int         `json:"code"`
		Data chat.Handle `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	resp.Body.Close()
	require.Equal(t, 200, env.Code)
	sid := env.Data.SessionID
	require.NotEmpty(t, sid)

	stream, err := http.Get(srv.URL + "/chat/stream/" + sid)
	require.NoError(t, err)
	defer stream.Body.Close()

	// frames pushed before the client attached are held for it
	assert.Equal(t, []string{"Stream established for " + sid, "He", "llo", "[DONE]"}, readData(t, stream.Body))

	var sess *chat.Session
	require.Eventually(t, func() bool {
		sess, err = chat.NewRepo(a.deps.DB).GetByID(context.Background(), sid)
		return err == nil && sess.FinishedAt != nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, chat.StatusDone, sess.Status)
	require.NotNil(t, sess.Output)
	assert.Equal(t, "Hello", *sess.Output)
	assert.Equal(t, "9", sess.UserID)
}

func TestUpstreamFailureReachesClient(t *testing.T) {
	mr := miniredis.RunT(t)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer up.Close()
	a := openApp(t, testConfig(mr, up.URL))

	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan error, 1)
	go func() { poolDone <- a.Pool.Run(ctx) }()
	defer func() {
		cancel()
		<-poolDone
	}()

	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	handle, err := a.Service.Submit(context.Background(), "Bearer "+mustToken(t, 4), chat.Request{
		ModelRef: "missing",
		Messages: []chat.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	stream, err := http.Get(srv.URL + "/chat/stream/" + handle.SessionID)
	require.NoError(t, err)
	defer stream.Body.Close()

	data := readData(t, stream.Body)
	require.Len(t, data, 2)
	assert.True(t, strings.HasPrefix(data[1], "[ERROR]: "), data[1])
	assert.Contains(t, data[1], "no such model")
}

func TestRunStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	a := openApp(t, testConfig(mr, fakeUpstream(t).URL))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestOpenFailsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr, "http://127.0.0.1:1")
	mr.Close()

	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}

func mustToken(t *testing.T, uid uint64) string {
	t.Helper()
	tok, err := auth.SignJWT(uid, "e2e-secret", time.Hour)
	require.NoError(t, err)
	return tok
}
