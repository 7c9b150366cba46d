package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/gin-gonic/gin"

	"github.com/birdayz/kflow/internal/transport"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kstage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRegistry() *kstage.Registry {
	r := kstage.DefaultRegistry()
	r.MustRegisterStage("boom", func(kstage.Params) (kstage.Stage, error) {
		return kstage.StageFunc(func(context.Context, kstage.Call, []*kdoc.Document) ([]*kdoc.Document, error) {
			return nil, errors.New("boom")
		}), nil
	})
	r.MustRegisterStage("drop", func(kstage.Params) (kstage.Stage, error) {
		return kstage.StageFunc(func(context.Context, kstage.Call, []*kdoc.Document) ([]*kdoc.Document, error) {
			return nil, nil
		}), nil
	})
	return r
}

func startPea(t *testing.T, cfg Config) *Pea {
	t.Helper()
	if cfg.Role == "" {
		cfg.Role = kdag.RoleWorker
	}
	if cfg.Stage == "" {
		cfg.Stage = cfg.Name
	}
	p, err := New(cfg, WithRegistry(testRegistry()))
	assert.NoError(t, err)
	assert.NoError(t, p.Start())
	t.Cleanup(p.Kill)
	return p
}

func target(p *Pea) transport.Target {
	return transport.Target{Node: p.cfg.Stage, Addr: p.DataAddr(), Shard: p.cfg.Replica}
}

func call(t *testing.T, gw *Pea, kind kdoc.CallKind, docs ...*kdoc.Document) *kdoc.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := transport.Default.Call(ctx, gw.DataAddr(), &kdoc.Envelope{RequestID: t.Name(), Kind: kind, Docs: docs})
	assert.NoError(t, err)
	return resp
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateSpawning, StateReady))
	assert.True(t, CanTransition(StateReady, StateServing))
	assert.True(t, CanTransition(StateServing, StateClosing))
	assert.True(t, CanTransition(StateClosing, StateClosed))
	assert.True(t, CanTransition(StateServing, StateFailed))

	assert.False(t, CanTransition(StateSpawning, StateServing))
	assert.False(t, CanTransition(StateServing, StateReady))
	assert.False(t, CanTransition(StateClosed, StateReady))
	assert.False(t, CanTransition(StateFailed, StateReady))
	assert.False(t, CanTransition(StateFailed, StateClosing))

	assert.True(t, StateReady.Live())
	assert.True(t, StateServing.Live())
	assert.False(t, StateClosing.Live())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Role: kdag.RoleWorker})
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = New(Config{Name: "a", Role: "boss"})
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = New(Config{Name: "a", Role: kdag.RoleWorker, Replica: 2, Replicas: 2})
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = New(Config{Name: "a", Role: kdag.RoleWorker, Polling: "some"})
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	p := startPea(t, Config{Name: "enc/0", Stage: "enc"})
	assert.Equal(t, StateReady, p.State())
	assert.NotEqual(t, "", p.ControlAddr())
	assert.NotEqual(t, p.ControlAddr(), p.DataAddr())

	st, err := transport.Default.Status(ctx, p.ControlAddr())
	assert.NoError(t, err)
	assert.Equal(t, "enc/0", st.Name)
	assert.Equal(t, "enc", st.Stage)
	assert.Equal(t, kdag.RoleWorker, st.Role)
	assert.Equal(t, string(StateReady), st.State)
	assert.Equal(t, p.DataAddr(), st.Data)

	err = transport.Default.Send(ctx, p.DataAddr(), &kdoc.Envelope{RequestID: "r", Kind: kdoc.CallIndex})
	assert.True(t, errors.Is(err, transport.ErrNotServing))

	assert.NoError(t, transport.Default.Serve(ctx, p.ControlAddr(), transport.Wiring{}))
	assert.Equal(t, StateServing, p.State())

	err = transport.Default.Serve(ctx, p.ControlAddr(), transport.Wiring{})
	var se *transport.StatusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)

	assert.NoError(t, transport.Default.Shutdown(ctx, p.ControlAddr(), time.Second))
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pea did not close")
	}
	assert.Equal(t, StateClosed, p.State())
	assert.NoError(t, p.Shutdown(ctx))
}

func TestStartFailure(t *testing.T) {
	p, err := New(Config{Name: "x/0", Stage: "x", Role: kdag.RoleWorker, Uses: "nope"}, WithRegistry(testRegistry()))
	assert.NoError(t, err)
	err = p.Start()
	assert.True(t, errors.Is(err, kstage.ErrUnknownKind))
	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, "", p.ControlAddr())
	<-p.Done()
	assert.True(t, errors.Is(p.Err(), kstage.ErrUnknownKind))
}

func TestMetricsEndpoint(t *testing.T) {
	p := startPea(t, Config{Name: "m/0", Stage: "m"})
	resp, err := http.Get("http://" + p.ControlAddr() + transport.PathMetrics)
	assert.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "kflow_pea_joins_pending")
}

func TestGatewayRoundTrip(t *testing.T) {
	ctx := context.Background()
	gw := startPea(t, GatewayConfig())
	w := startPea(t, Config{Name: "seg/0", Stage: "seg", Uses: kstage.KindSegmenter})

	assert.NoError(t, w.Activate(transport.Wiring{Expect: []string{kdag.GatewayName}}))
	assert.NoError(t, transport.Default.Serve(ctx, gw.ControlAddr(), transport.Wiring{
		Targets: []transport.Target{target(w)},
		Expect:  []string{"seg"},
	}))

	resp := call(t, gw, kdoc.CallIndex, &kdoc.Document{ID: 1, Text: "One. Two."})
	assert.False(t, resp.Failed())
	assert.Equal(t, 1, len(resp.Docs))
	assert.Equal(t, 2, len(resp.Docs[0].Chunks))
	assert.True(t, resp.Visited("seg"))
}

func TestStageFailureReachesGateway(t *testing.T) {
	gw := startPea(t, GatewayConfig())
	a := startPea(t, Config{Name: "a/0", Stage: "a", Uses: "boom"})
	b := startPea(t, Config{Name: "b/0", Stage: "b"})

	assert.NoError(t, b.Activate(transport.Wiring{Expect: []string{"a"}}))
	assert.NoError(t, a.Activate(transport.Wiring{Targets: []transport.Target{target(b)}, Expect: []string{kdag.GatewayName}}))
	assert.NoError(t, gw.Activate(transport.Wiring{Targets: []transport.Target{target(a)}, Expect: []string{"b"}}))

	resp := call(t, gw, kdoc.CallIndex, &kdoc.Document{ID: 1})
	assert.True(t, resp.Failed())
	assert.Equal(t, kdoc.FailureStage, resp.Err.Kind)
	assert.Equal(t, "a", resp.Err.Stage)
	assert.Equal(t, "a/0", resp.Err.Unit)
	assert.Contains(t, resp.Err.Message, "boom")
}

func TestJoinWaitsForEmptyPredecessor(t *testing.T) {
	gw := startPea(t, GatewayConfig())
	r1 := startPea(t, Config{Name: "r1/0", Stage: "r1"})
	r2 := startPea(t, Config{Name: "r2/0", Stage: "r2", Uses: "drop"})
	j := startPea(t, Config{Name: "j/0", Stage: "j", Uses: kstage.KindMerge})

	assert.NoError(t, j.Activate(transport.Wiring{Expect: []string{"r1", "r2"}}))
	assert.NoError(t, r1.Activate(transport.Wiring{Targets: []transport.Target{target(j)}, Expect: []string{kdag.GatewayName}}))
	assert.NoError(t, r2.Activate(transport.Wiring{Targets: []transport.Target{target(j)}, Expect: []string{kdag.GatewayName}}))
	assert.NoError(t, gw.Activate(transport.Wiring{
		Targets: []transport.Target{target(r1), target(r2)},
		Expect:  []string{"j"},
	}))

	resp := call(t, gw, kdoc.CallIndex, &kdoc.Document{ID: 1}, &kdoc.Document{ID: 2})
	assert.False(t, resp.Failed())
	assert.Equal(t, 2, len(resp.Docs))
	assert.True(t, resp.Visited("r1"))
	assert.True(t, resp.Visited("r2"))
	assert.True(t, resp.Visited("j"))
	assert.Equal(t, 0, j.joins.Len())
}

func TestReplicatedGroup(t *testing.T) {
	const replicas = 3
	gw := startPea(t, GatewayConfig())
	tail := startPea(t, Config{Name: "idx/tail", Stage: "idx", Role: kdag.RoleTail, Replicas: replicas, Sharded: true, Polling: kdag.PollAll, ReducingUses: kstage.KindMergeTopK})
	var workers []transport.Target
	for i := range replicas {
		w := startPea(t, Config{
			Name:     "idx/" + string(rune('0'+i)),
			Stage:    "idx",
			Replica:  i,
			Replicas: replicas,
			Sharded:  true,
			Uses:     kstage.KindIndexer,
		})
		assert.NoError(t, w.Activate(transport.Wiring{Targets: []transport.Target{target(tail)}}))
		workers = append(workers, target(w))
	}
	head := startPea(t, Config{Name: "idx/head", Stage: "idx", Role: kdag.RoleHead, Replicas: replicas, Sharded: true, Polling: kdag.PollAll})

	assert.NoError(t, tail.Activate(transport.Wiring{}))
	assert.NoError(t, head.Activate(transport.Wiring{Targets: workers, Expect: []string{kdag.GatewayName}}))
	assert.NoError(t, gw.Activate(transport.Wiring{Targets: []transport.Target{target(head)}, Expect: []string{"idx"}}))

	t.Run("index splits across shards and keeps batch order", func(t *testing.T) {
		var docs []*kdoc.Document
		for i := range 4 {
			docs = append(docs, &kdoc.Document{ID: uint64(i + 1), Embedding: []float32{1, float32(i)}})
		}
		resp := call(t, gw, kdoc.CallIndex, docs...)
		assert.False(t, resp.Failed(), "%v", resp.Err)
		assert.Equal(t, 4, len(resp.Docs))
		for i, d := range resp.Docs {
			assert.Equal(t, uint64(i+1), d.ID)
		}
	})

	t.Run("search is answered by all shards and reduced", func(t *testing.T) {
		q := &kdoc.Document{ID: 100, Embedding: []float32{1, 0}}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := transport.Default.Call(ctx, gw.DataAddr(), &kdoc.Envelope{RequestID: "search", Kind: kdoc.CallSearch, TopK: 3, Docs: []*kdoc.Document{q}})
		assert.NoError(t, err)
		assert.False(t, resp.Failed(), "%v", resp.Err)
		assert.Equal(t, 1, len(resp.Docs))
		assert.Equal(t, 3, len(resp.Docs[0].Matches))
		assert.Equal(t, uint64(1), resp.Docs[0].Matches[0].DocID)
	})
}

func TestRunSubprocess(t *testing.T) {
	in := strings.NewReader(`{"name":"sub/0","stage":"sub","role":"worker"}`)
	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- RunSubprocess(ctx, in, &out, WithRegistry(testRegistry()))
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "\n") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	line, err := ParseReadyLine(bytes.TrimSpace([]byte(out.String())))
	assert.NoError(t, err)
	assert.Equal(t, "sub/0", line.Name)
	assert.Equal(t, "", line.Error)

	st, err := transport.Default.Status(context.Background(), line.Control)
	assert.NoError(t, err)
	assert.Equal(t, string(StateReady), st.State)
	assert.Equal(t, line.Data, st.Data)

	cancel()
	assert.NoError(t, <-errc)
}

func TestRunSubprocessBadConfig(t *testing.T) {
	var out syncBuffer
	err := RunSubprocess(context.Background(), strings.NewReader(`{"name":"x","role":"boss"}`), &out)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	line, perr := ParseReadyLine(bytes.TrimSpace([]byte(out.String())))
	assert.NoError(t, perr)
	assert.NotEqual(t, "", line.Error)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
