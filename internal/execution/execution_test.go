package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/gin-gonic/gin"

	"github.com/birdayz/kflow/internal/runtime"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kstage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type flaky struct {
	kstage.Stage
}

func (f *flaky) Init(c *kstage.Context) error {
	if c.Replica == 1 {
		return errors.New("replica 1 is broken")
	}
	return nil
}

// slowInit fails replica 1 at once while the others take a while to start.
type slowInit struct {
	kstage.Stage
}

func (s *slowInit) Init(c *kstage.Context) error {
	if c.Replica == 1 {
		return errors.New("replica 1 is broken")
	}
	time.Sleep(200 * time.Millisecond)
	return nil
}

func testRegistry() *kstage.Registry {
	r := kstage.DefaultRegistry()
	r.MustRegisterStage("flaky", func(kstage.Params) (kstage.Stage, error) {
		return &flaky{kstage.Forward()}, nil
	})
	r.MustRegisterStage("slowinit", func(kstage.Params) (kstage.Stage, error) {
		return &slowInit{kstage.Forward()}, nil
	})
	return r
}

// recordingSpawner remembers every unit it started.
type recordingSpawner struct {
	Spawner
	mu    sync.Mutex
	units []Unit
}

func (s *recordingSpawner) Spawn(ctx context.Context, spec UnitSpec) (Unit, error) {
	u, err := s.Spawner.Spawn(ctx, spec)
	if err == nil {
		s.mu.Lock()
		s.units = append(s.units, u)
		s.mu.Unlock()
	}
	return u, err
}

func testOptions() Options {
	return Options{
		Spawner:      &LocalSpawner{Registry: testRegistry()},
		ProbeTimeout: time.Second,
		JoinTTL:      time.Minute,
		Timeout:      5 * time.Second,
	}
}

func compile(t *testing.T, level kdag.OptimizeLevel, specs ...kdag.StageSpec) *kdag.Plan {
	t.Helper()
	b := kdag.NewBuilder()
	for _, s := range specs {
		b.MustAdd(s)
	}
	g, err := b.Build(kdag.WithCatalog(testRegistry()))
	assert.NoError(t, err)
	p, err := g.Compile(level)
	assert.NoError(t, err)
	return p
}

func deploy(t *testing.T, plan *kdag.Plan, opts Options) *Deployment {
	t.Helper()
	d, err := Deploy(context.Background(), plan, opts)
	assert.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = d.Close(ctx, time.Second)
	})
	return d
}

func call(t *testing.T, d *Deployment, id string, kind kdoc.CallKind, topK int, docs ...*kdoc.Document) *kdoc.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := d.Call(ctx, &kdoc.Envelope{RequestID: id, Kind: kind, TopK: topK, Docs: docs})
	assert.NoError(t, err)
	assert.False(t, resp.Failed(), "%v", resp.Err)
	return resp
}

func TestDeployShardedPipeline(t *testing.T) {
	plan := compile(t, kdag.OptimizeNone,
		kdag.StageSpec{Name: "seg", Uses: kstage.KindSegmenter},
		kdag.StageSpec{Name: "enc", Uses: kstage.KindEncoder, Replicas: 2},
		kdag.StageSpec{
			Name:               "idx",
			Uses:               kstage.KindIndexer,
			Replicas:           3,
			SeparatedWorkspace: true,
			Polling:            kdag.PollAll,
			ReducingUses:       kstage.KindMergeTopK,
		},
	)
	assert.Equal(t, 11, plan.NumPeas())

	opts := testOptions()
	opts.Workspace = t.TempDir()
	d := deploy(t, plan, opts)

	statuses := d.Status(context.Background())
	assert.Equal(t, plan.NumPeas(), len(statuses))
	assert.Equal(t, kdag.GatewayName, statuses[0].Name)
	for _, s := range statuses {
		assert.Equal(t, string(runtime.StateServing), s.State, "unit %s", s.Name)
	}
	_, down := FirstDown(statuses)
	assert.False(t, down)

	texts := []string{
		"The quick brown fox.",
		"Jumps over the lazy dog.",
		"Pack my box with five dozen liquor jugs.",
		"How vexingly quick daft zebras jump.",
		"Sphinx of black quartz, judge my vow.",
		"The five boxing wizards jump quickly.",
	}
	var docs []*kdoc.Document
	for i, text := range texts {
		docs = append(docs, &kdoc.Document{ID: uint64(i + 1), Text: text})
	}
	resp := call(t, d, "index-1", kdoc.CallIndex, 0, docs...)
	assert.Equal(t, len(texts), len(resp.Docs))
	for i, doc := range resp.Docs {
		assert.Equal(t, uint64(i+1), doc.ID)
	}

	q := &kdoc.Document{ID: 100, Text: "The quick brown fox."}
	resp = call(t, d, "search-1", kdoc.CallSearch, 2, q)
	assert.Equal(t, 1, len(resp.Docs))
	units := kdoc.QueryUnits(resp.Docs[0])
	assert.Equal(t, 1, len(units))
	matches := units[0].Matches()
	assert.Equal(t, 2, len(matches))
	assert.Equal(t, uint64(1), matches[0].DocID)
	assert.True(t, resp.Visited("seg"))
	assert.True(t, resp.Visited("enc"))
	assert.True(t, resp.Visited("idx"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := d.Close(ctx, 2*time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(report.ForceKilled))
}

func TestDeployEmbeddedGateway(t *testing.T) {
	plan := compile(t, kdag.OptimizeIgnoreGateway, kdag.StageSpec{Name: "a", Replicas: 2})
	assert.Equal(t, 4, plan.NumPeas())

	d := deploy(t, plan, testOptions())
	assert.Equal(t, 4, len(d.Status(context.Background())))
	assert.NotEqual(t, "", d.GatewayAddr())

	resp := call(t, d, "r", kdoc.CallIndex, 0, &kdoc.Document{ID: 7})
	assert.Equal(t, 1, len(resp.Docs))
	assert.Equal(t, uint64(7), resp.Docs[0].ID)
}

func TestDeployTearsDownOnSpawnFailure(t *testing.T) {
	plan := compile(t, kdag.OptimizeNone,
		kdag.StageSpec{Name: "ok", Replicas: 2},
		kdag.StageSpec{Name: "x", Uses: "flaky", Replicas: 3},
	)
	rec := &recordingSpawner{Spawner: &LocalSpawner{Registry: testRegistry()}}
	opts := testOptions()
	opts.Spawner = rec

	_, err := Deploy(context.Background(), plan, opts)
	var se *SpawnError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, "x/1", se.Unit)

	assert.NotEqual(t, 0, len(rec.units))
	for _, u := range rec.units {
		pea := u.(*localUnit).Pea
		<-pea.Done()
		assert.Equal(t, runtime.StateClosed, pea.State(), "unit %s", u.Name())
	}
}

func TestDeployPartialAvailability(t *testing.T) {
	plan := compile(t, kdag.OptimizeNone, kdag.StageSpec{Name: "x", Uses: "flaky", Replicas: 3})
	opts := testOptions()
	opts.Partial = true
	d := deploy(t, plan, opts)

	statuses := d.Status(context.Background())
	assert.Equal(t, plan.NumPeas(), len(statuses))
	first, down := FirstDown(statuses)
	assert.True(t, down)
	assert.Equal(t, "x/1", first.Name)
	assert.Equal(t, StateDown, first.State)
	assert.Error(t, first.Err)

	for i := range 4 {
		resp := call(t, d, "r"+strconv.Itoa(i), kdoc.CallIndex, 0, &kdoc.Document{ID: uint64(i)})
		assert.Equal(t, 1, len(resp.Docs))
	}
}

func TestDeployPartialWaitsForSlowReplicas(t *testing.T) {
	plan := compile(t, kdag.OptimizeNone, kdag.StageSpec{Name: "x", Uses: "slowinit", Replicas: 3})
	opts := testOptions()
	opts.Partial = true
	d := deploy(t, plan, opts)

	live := map[string]string{}
	for _, s := range d.Status(context.Background()) {
		live[s.Name] = s.State
	}
	assert.Equal(t, StateDown, live["x/1"])
	assert.Equal(t, "SERVING", live["x/0"])
	assert.Equal(t, "SERVING", live["x/2"])

	for i := range 4 {
		resp := call(t, d, "r"+strconv.Itoa(i), kdoc.CallIndex, 0, &kdoc.Document{ID: uint64(i)})
		assert.Equal(t, 1, len(resp.Docs))
	}
}

func TestDeployWithoutPartialFailsOnSlowReplicas(t *testing.T) {
	plan := compile(t, kdag.OptimizeNone, kdag.StageSpec{Name: "x", Uses: "slowinit", Replicas: 3})
	_, err := Deploy(context.Background(), plan, testOptions())
	var se *SpawnError
	assert.True(t, errors.As(err, &se), "%v", err)
	assert.Equal(t, "x/1", se.Unit)
}

type stuckUnit struct {
	name   string
	killed chan struct{}
}

func (u *stuckUnit) Name() string        { return u.name }
func (u *stuckUnit) ControlAddr() string { return "" }
func (u *stuckUnit) DataAddr() string    { return "" }

func (u *stuckUnit) Stop(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func (u *stuckUnit) Kill() { close(u.killed) }

type politeUnit struct{ stuckUnit }

func (u *politeUnit) Stop(context.Context, time.Duration) error { return nil }

func TestStopAllKillsStragglers(t *testing.T) {
	stuck := &stuckUnit{name: "b/1", killed: make(chan struct{})}
	polite := &politeUnit{stuckUnit{name: "b/0", killed: make(chan struct{})}}

	report, err := stopAll(context.Background(), []Unit{polite, stuck}, 20*time.Millisecond, slog.New(slog.DiscardHandler))
	assert.NoError(t, err)
	assert.Equal(t, []string{"b/1"}, report.ForceKilled)
	<-stuck.killed
}

func TestProcessSpawnerFailures(t *testing.T) {
	ctx := context.Background()
	spec := UnitSpec{Config: runtime.Config{Name: "p/0", Role: kdag.RoleWorker}}

	t.Run("missing command", func(t *testing.T) {
		s := &ProcessSpawner{Command: "/nonexistent/kflow"}
		_, err := s.Spawn(ctx, spec)
		assert.Error(t, err)
	})

	t.Run("exits before ready", func(t *testing.T) {
		s := &ProcessSpawner{Command: "/bin/sh", Args: []string{"-c", "exit 3"}}
		_, err := s.Spawn(ctx, spec)
		assert.True(t, errors.Is(err, ErrProcessExited))
	})

	t.Run("reports start error", func(t *testing.T) {
		s := &ProcessSpawner{Command: "/bin/sh", Args: []string{"-c", `echo '{"name":"p/0","error":"bind: address in use"}'`}}
		_, err := s.Spawn(ctx, spec)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "address in use")
	})
}

func TestRemoteSpawner(t *testing.T) {
	port := freePort(t)
	p, err := runtime.New(runtime.Config{Name: "r/0", Stage: "r", Role: kdag.RoleWorker, ControlPort: port})
	assert.NoError(t, err)
	assert.NoError(t, p.Start())
	t.Cleanup(p.Kill)

	s := &RemoteSpawner{}
	u, err := s.Spawn(context.Background(), UnitSpec{Plan: kdag.UnitPlan{Name: "r/0", Host: "127.0.0.1", Port: port}})
	assert.NoError(t, err)
	assert.Equal(t, p.ControlAddr(), u.ControlAddr())
	assert.Equal(t, p.DataAddr(), u.DataAddr())

	_, err = s.Spawn(context.Background(), UnitSpec{Plan: kdag.UnitPlan{Name: "r/1", Host: "127.0.0.1", Port: 1}})
	assert.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	defer l.Close()
	_, port, err := net.SplitHostPort(l.Addr().String())
	assert.NoError(t, err)
	n, err := strconv.Atoi(port)
	assert.NoError(t, err)
	return n
}

func ExampleFirstDown() {
	s, _ := FirstDown([]UnitStatus{{Name: "a/0", State: "SERVING"}, {Name: "a/1", State: StateDown}})
	fmt.Println(s.Name)
	// Output: a/1
}
