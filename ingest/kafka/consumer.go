// Package kafka indexes documents consumed from Kafka topics into a flow.
//
// Records are consumed in a consumer group with auto commit disabled. Each
// fetched partition is decoded into documents, handed to the Indexer and
// committed only once the Indexer returned. A failing Indexer stops the
// consumer without committing, so the records are redelivered.
package kafka

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"

	"github.com/birdayz/kflow"
	"github.com/birdayz/kflow/kdoc"
	"github.com/birdayz/kflow/kserde"
)

type State string

const (
	StateCreated        State = "CREATED"
	StateRunning        State = "RUNNING"
	StateCloseRequested State = "CLOSE_REQUESTED"
	StateClosed         State = "CLOSED"
)

var (
	ErrNoTopics = errors.New("kafka: no topics to consume")
	ErrNoGroup  = errors.New("kafka: consumer group required")
)

// Indexer receives decoded documents.
type Indexer interface {
	Index(ctx context.Context, docs []*kdoc.Document) error
}

type IndexFunc func(ctx context.Context, docs []*kdoc.Document) error

func (f IndexFunc) Index(ctx context.Context, docs []*kdoc.Document) error {
	return f(ctx, docs)
}

// FlowIndexer indexes into f.
func FlowIndexer(f *kflow.Flow, opts ...kflow.CallOption) Indexer {
	return IndexFunc(func(ctx context.Context, docs []*kdoc.Document) error {
		_, err := f.Index(ctx, docs, opts...)
		return err
	})
}

// Decoder turns a record into a document.
type Decoder func(*kgo.Record) (*kdoc.Document, error)

var decodeDocument = kserde.JSONDeserializer[kdoc.Document]()

// DecodeDocument reads a JSON document, or takes the value as plain text
// when it is not a JSON object. Documents without an id get one derived from
// the record position, so redelivered records keep their id.
func DecodeDocument(r *kgo.Record) (*kdoc.Document, error) {
	var d kdoc.Document
	if v := bytes.TrimSpace(r.Value); len(v) > 0 && v[0] == '{' {
		var err error
		d, err = decodeDocument(v)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%d@%d: %w", r.Topic, r.Partition, r.Offset, err)
		}
	} else {
		d.Text = string(r.Value)
	}
	if d.ID == 0 {
		d.ID = uint64(r.Partition)<<48 | uint64(r.Offset+1)
	}
	return &d, nil
}

// client is the part of *kgo.Client the consumer uses.
type client interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

type Consumer struct {
	client client
	admin  *kadm.Client
	log    *slog.Logger

	index   Indexer
	decode  Decoder
	limiter *rate.Limiter

	brokers        []string
	group          string
	topics         []string
	maxPollRecords int
	pollTimeout    time.Duration
	clientOpts     []kgo.Opt

	mu             sync.Mutex
	state          State
	cancelPoll     func()
	closeRequested chan struct{}
	done           chan struct{}
	closeOnce      sync.Once
}

// New connects a consumer feeding index. It does not consume until Run.
func New(index Indexer, opts ...Option) (*Consumer, error) {
	c := newConsumer(index, opts)
	if len(c.topics) == 0 {
		return nil, ErrNoTopics
	}
	if c.group == "" {
		return nil, ErrNoGroup
	}

	kopts := append([]kgo.Opt{
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumerGroup(c.group),
		kgo.ConsumeTopics(c.topics...),
		kgo.DisableAutoCommit(),
	}, c.clientOpts...)
	kc, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, err
	}
	c.client = kc
	c.admin = kadm.NewClient(kc)
	return c, nil
}

func newConsumer(index Indexer, opts []Option) *Consumer {
	c := &Consumer{
		log:            kflow.NullLogger(),
		index:          index,
		decode:         DecodeDocument,
		brokers:        []string{"localhost:9092"},
		maxPollRecords: 1000,
		pollTimeout:    10 * time.Second,
		state:          StateCreated,
		closeRequested: make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureTopics creates the consumed topics that do not exist yet.
func (c *Consumer) EnsureTopics(ctx context.Context, partitions int32, replicationFactor int16) error {
	if c.admin == nil {
		return errors.New("kafka: no admin client")
	}
	resp, err := c.admin.CreateTopics(ctx, partitions, replicationFactor, nil, c.topics...)
	if err != nil {
		return err
	}
	for _, t := range resp.Sorted() {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) changeState(newState State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Info("Change state", "from", c.state, "to", newState)
	c.state = newState
}

// Run consumes until ctx is done or Close is called. It returns the first
// error of the Indexer.
func (c *Consumer) Run(ctx context.Context) error {
	c.changeState(StateRunning)
	defer func() {
		c.client.Close()
		c.changeState(StateClosed)
		close(c.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closeRequested:
			return nil
		default:
		}

		pctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
		c.mu.Lock()
		c.cancelPoll = cancel
		c.mu.Unlock()

		c.log.Debug("Polling records")
		fetches := c.client.PollRecords(pctx, c.maxPollRecords)
		cancel()
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			c.log.Warn("Fetch failed", "topic", topic, "partition", partition, "error", err)
		})

		if err := c.process(ctx, fetches); err != nil {
			c.log.Error("Failed to index records", "error", err)
			return err
		}
	}
}

func (c *Consumer) process(ctx context.Context, fetches kgo.Fetches) error {
	var err error
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if err != nil || len(p.Records) == 0 {
			return
		}
		docs := make([]*kdoc.Document, 0, len(p.Records))
		for _, r := range p.Records {
			d, derr := c.decode(r)
			if derr != nil {
				c.log.Warn("Skipping record", "error", derr)
				continue
			}
			docs = append(docs, d)
		}
		if err = c.indexAll(ctx, docs); err != nil {
			err = fmt.Errorf("%s/%d: %w", p.Topic, p.Partition, err)
			return
		}
		if err = c.client.CommitRecords(ctx, p.Records...); err != nil {
			err = fmt.Errorf("commit %s/%d: %w", p.Topic, p.Partition, err)
			return
		}
		c.log.Debug("Indexed", "topic", p.Topic, "partition", p.Partition, "count", len(docs))
	})
	return err
}

// indexAll hands docs over in chunks no larger than the limiter's burst.
func (c *Consumer) indexAll(ctx context.Context, docs []*kdoc.Document) error {
	step := len(docs)
	if c.limiter != nil && c.limiter.Burst() > 0 && c.limiter.Burst() < step {
		step = c.limiter.Burst()
	}
	for len(docs) > 0 {
		n := min(step, len(docs))
		if c.limiter != nil {
			if err := c.limiter.WaitN(ctx, n); err != nil {
				return err
			}
		}
		if err := c.index.Index(ctx, docs[:n]); err != nil {
			return err
		}
		docs = docs[n:]
	}
	return nil
}

// Close stops Run after the current poll and waits for it to return.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state == StateRunning {
			c.log.Info("Change state", "from", c.state, "to", StateCloseRequested)
			c.state = StateCloseRequested
		}
		cancel := c.cancelPoll
		c.mu.Unlock()

		close(c.closeRequested)
		if cancel != nil {
			cancel()
		}
	})
	c.mu.Lock()
	running := c.state != StateCreated
	c.mu.Unlock()
	if running {
		<-c.done
	} else {
		c.client.Close()
	}
}

// Done is closed when Run returned.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}
