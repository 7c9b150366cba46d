package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/birdayz/kflow/kdoc"
)

type fakeClient struct {
	mu        sync.Mutex
	polls     []kgo.Fetches
	committed []*kgo.Record
	closed    bool
}

func (f *fakeClient) PollRecords(ctx context.Context, _ int) kgo.Fetches {
	f.mu.Lock()
	if len(f.polls) > 0 {
		p := f.polls[0]
		f.polls = f.polls[1:]
		f.mu.Unlock()
		return p
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *fakeClient) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, rs...)
	return nil
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

func fetch(topic string, partition int32, values ...string) kgo.Fetches {
	recs := make([]*kgo.Record, len(values))
	for i, v := range values {
		recs[i] = &kgo.Record{Topic: topic, Partition: partition, Offset: int64(i), Value: []byte(v)}
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: partition, Records: recs}},
	}}}}
}

// collector records every batch it is given and signals once want
// documents arrived.
type collector struct {
	mu      sync.Mutex
	batches [][]*kdoc.Document
	total   int
	want    int
	full    chan struct{}
	err     error
}

func newCollector(want int) *collector {
	return &collector{want: want, full: make(chan struct{})}
}

func (c *collector) Index(_ context.Context, docs []*kdoc.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.batches = append(c.batches, docs)
	c.total += len(docs)
	if c.total == c.want {
		close(c.full)
	}
	return nil
}

func start(t *testing.T, fc *fakeClient, index Indexer, opts ...Option) (*Consumer, chan error) {
	t.Helper()
	opts = append([]Option{WithPollTimeout(20 * time.Millisecond)}, opts...)
	c := newConsumer(index, opts)
	c.client = fc
	errs := make(chan error, 1)
	go func() {
		errs <- c.Run(context.Background())
	}()
	return c, errs
}

func TestConsumerIndexesAndCommits(t *testing.T) {
	fc := &fakeClient{polls: []kgo.Fetches{
		fetch("docs", 0, `{"id": 42, "text": "a"}`, "hello"),
		fetch("docs", 1, "world"),
	}}
	col := newCollector(3)
	c, errs := start(t, fc, col)

	select {
	case <-col.full:
	case <-time.After(5 * time.Second):
		t.Fatal("documents were not indexed")
	}
	c.Close()
	assert.NoError(t, <-errs)
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, fc.closed)
	assert.Equal(t, 3, fc.commits())

	var ids []uint64
	for _, b := range col.batches {
		for _, d := range b {
			ids = append(ids, d.ID)
		}
	}
	assert.Equal(t, []uint64{42, 2, 1<<48 | 1}, ids)
	assert.Equal(t, "hello", col.batches[0][1].Text)
}

func TestConsumerStopsOnIndexFailure(t *testing.T) {
	fc := &fakeClient{polls: []kgo.Fetches{fetch("docs", 0, "a", "b")}}
	col := newCollector(2)
	col.err = errors.New("flow closed")
	_, errs := start(t, fc, col)

	err := <-errs
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "flow closed")
	assert.Equal(t, 0, fc.commits())
}

func TestConsumerRateChunks(t *testing.T) {
	fc := &fakeClient{polls: []kgo.Fetches{fetch("docs", 0, "a", "b", "c", "d", "e")}}
	col := newCollector(5)
	c, errs := start(t, fc, col, WithRate(1000, 2))

	<-col.full
	c.Close()
	assert.NoError(t, <-errs)

	var sizes []int
	for _, b := range col.batches {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestConsumerSkipsUndecodableRecords(t *testing.T) {
	fc := &fakeClient{polls: []kgo.Fetches{fetch("docs", 0, "{not json", "fine")}}
	col := newCollector(1)
	c, errs := start(t, fc, col)

	<-col.full
	c.Close()
	assert.NoError(t, <-errs)
	assert.Equal(t, "fine", col.batches[0][0].Text)
	assert.Equal(t, 2, fc.commits())
}

func TestDecodeDocument(t *testing.T) {
	d, err := DecodeDocument(&kgo.Record{Partition: 2, Offset: 9, Value: []byte(`{"text": "x", "weight": 0.5}`)})
	assert.NoError(t, err)
	assert.Equal(t, "x", d.Text)
	assert.Equal(t, float32(0.5), d.Weight)
	assert.Equal(t, uint64(2<<48|10), d.ID)

	d, err = DecodeDocument(&kgo.Record{Value: []byte("plain text")})
	assert.NoError(t, err)
	assert.Equal(t, "plain text", d.Text)
	assert.Equal(t, uint64(1), d.ID)
}

func TestNewRequiresTopicsAndGroup(t *testing.T) {
	_, err := New(nil, WithGroup("g"))
	assert.True(t, errors.Is(err, ErrNoTopics))

	_, err = New(nil, WithTopics("docs"))
	assert.True(t, errors.Is(err, ErrNoGroup))
}
