package kafka

import (
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"
)

// Option is a function that configures a Consumer
type Option func(*Consumer)

// WithBrokers sets the Kafka broker addresses
var WithBrokers = func(brokers ...string) Option {
	return func(c *Consumer) {
		c.brokers = brokers
	}
}

// WithGroup sets the consumer group
var WithGroup = func(group string) Option {
	return func(c *Consumer) {
		c.group = group
	}
}

// WithTopics sets the topics to consume
var WithTopics = func(topics ...string) Option {
	return func(c *Consumer) {
		c.topics = topics
	}
}

// WithLog sets the logger
var WithLog = func(log *slog.Logger) Option {
	return func(c *Consumer) {
		c.log = log
	}
}

// WithDecoder replaces DecodeDocument
var WithDecoder = func(d Decoder) Option {
	return func(c *Consumer) {
		c.decode = d
	}
}

// WithRate limits indexing to docsPerSecond, in chunks of at most burst
// documents
var WithRate = func(docsPerSecond float64, burst int) Option {
	return func(c *Consumer) {
		c.limiter = rate.NewLimiter(rate.Limit(docsPerSecond), burst)
	}
}

// WithMaxPollRecords sets the maximum number of records to poll at once
var WithMaxPollRecords = func(n int) Option {
	return func(c *Consumer) {
		c.maxPollRecords = n
	}
}

// WithPollTimeout sets the timeout for polling records from Kafka
var WithPollTimeout = func(timeout time.Duration) Option {
	return func(c *Consumer) {
		c.pollTimeout = timeout
	}
}

// WithClientOptions passes extra options to the Kafka client
var WithClientOptions = func(opts ...kgo.Opt) Option {
	return func(c *Consumer) {
		c.clientOpts = append(c.clientOpts, opts...)
	}
}
