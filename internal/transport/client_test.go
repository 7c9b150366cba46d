package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/gin-gonic/gin"

	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, r *gin.Engine) string {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	var got *kdoc.Envelope
	var wiring Wiring
	var grace string

	r := gin.New()
	r.POST(PathEnvelope, func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		got, _ = DecodeEnvelope(body)
		c.Status(http.StatusAccepted)
	})
	r.POST(PathCall, func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		env, _ := DecodeEnvelope(body)
		resp := env.Derive([]*kdoc.Document{{ID: 42}})
		out, _ := EncodeEnvelope(resp)
		c.Data(http.StatusOK, "application/json", out)
	})
	r.GET(PathStatus, func(c *gin.Context) {
		c.JSON(http.StatusOK, Status{Name: "enc/0", Stage: "enc", Role: kdag.RoleWorker, State: "READY", Data: "127.0.0.1:1"})
	})
	r.POST(PathServe, func(c *gin.Context) {
		_ = c.ShouldBindJSON(&wiring)
		c.Status(http.StatusOK)
	})
	r.POST(PathShutdown, func(c *gin.Context) {
		grace = c.Query("grace")
		c.Status(http.StatusAccepted)
	})
	addr := serve(t, r)
	client := NewClient(time.Second)

	t.Run("send", func(t *testing.T) {
		env := &kdoc.Envelope{RequestID: "r1", Kind: kdoc.CallIndex, Docs: []*kdoc.Document{{ID: 1, Text: "a"}}}
		assert.NoError(t, client.Send(ctx, addr, env))
		assert.Equal(t, "r1", got.RequestID)
		assert.Equal(t, "a", got.Docs[0].Text)
	})

	t.Run("call", func(t *testing.T) {
		resp, err := client.Call(ctx, addr, &kdoc.Envelope{RequestID: "r2", Kind: kdoc.CallSearch})
		assert.NoError(t, err)
		assert.Equal(t, "r2", resp.RequestID)
		assert.Equal(t, uint64(42), resp.Docs[0].ID)
	})

	t.Run("status", func(t *testing.T) {
		st, err := client.Status(ctx, addr)
		assert.NoError(t, err)
		assert.Equal(t, "enc/0", st.Name)
		assert.Equal(t, kdag.RoleWorker, st.Role)
		assert.Equal(t, "127.0.0.1:1", st.Data)
	})

	t.Run("serve", func(t *testing.T) {
		w := Wiring{Targets: []Target{{Node: "b", Addr: "x:1", Shard: 2}}, Expect: []string{"a"}}
		assert.NoError(t, client.Serve(ctx, addr, w))
		assert.Equal(t, w, wiring)
	})

	t.Run("shutdown", func(t *testing.T) {
		assert.NoError(t, client.Shutdown(ctx, addr, 1500*time.Millisecond))
		assert.Equal(t, "1.5s", grace)
	})
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	r := gin.New()
	r.POST(PathEnvelope, func(c *gin.Context) {
		c.String(http.StatusServiceUnavailable, "closing")
	})
	r.POST(PathServe, func(c *gin.Context) {
		c.String(http.StatusConflict, "invalid state transition")
	})
	addr := serve(t, r)

	err := Default.Send(ctx, addr, &kdoc.Envelope{RequestID: "r"})
	assert.True(t, errors.Is(err, ErrNotServing))

	err = Default.Serve(ctx, addr, Wiring{})
	var se *StatusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Equal(t, "invalid state transition", se.Body)

	_, err = Default.Status(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
