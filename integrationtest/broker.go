// Package integrationtest runs flows against a real Kafka API broker.
package integrationtest

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Redpanda is a single node broker in a container.
type Redpanda struct {
	Version string

	brokers   []string
	container testcontainers.Container
}

// Start runs the container and waits until the broker accepts clients.
func (r *Redpanda) Start(ctx context.Context) error {
	port, err := freePort()
	if err != nil {
		return err
	}
	version := r.Version
	if version == "" {
		version = "latest"
	}
	req := testcontainers.ContainerRequest{
		Image:      "docker.vectorized.io/vectorized/redpanda:" + version,
		WaitingFor: wait.ForLog("Successfully started Redpanda!"),
		User:       "root:root",
		Cmd: []string{
			"redpanda", "start",
			"--smp", "1",
			"--reserve-memory", "0M",
			"--overprovisioned",
			"--node-id", "0",
			"--kafka-addr", fmt.Sprintf("OUTSIDE://0.0.0.0:%d", port),
		},
		// The advertised address has to match on both sides.
		ExposedPorts: []string{fmt.Sprintf("%d:%d/tcp", port, port)},
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return fmt.Errorf("start redpanda: %w", err)
	}
	r.container = c

	host, err := c.Host(ctx)
	if err != nil {
		return err
	}
	mapped, err := c.MappedPort(ctx, nat.Port(strconv.Itoa(port)))
	if err != nil {
		return err
	}
	r.brokers = []string{net.JoinHostPort(host, mapped.Port())}
	return nil
}

func (r *Redpanda) Brokers() []string {
	return r.brokers
}

func (r *Redpanda) Close() error {
	if r.container == nil {
		return nil
	}
	return r.container.Terminate(context.Background())
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
