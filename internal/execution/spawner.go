// Package execution starts, wires and stops the runtime units of a compiled
// topology.
//
// A Pod is the stage group of one node: its workers plus a head and a tail
// when the node is replicated. A Deployment owns every Pod of a plan and the
// gateway. Units are started through a Spawner: in-process, as `kflow pea`
// subprocesses, or by attaching to peas already running elsewhere.
package execution

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/birdayz/kflow/internal/runtime"
	"github.com/birdayz/kflow/internal/transport"
	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kstage"
)

// UnitSpec is what a spawner needs to start one unit.
type UnitSpec struct {
	Plan   kdag.UnitPlan
	Config runtime.Config
}

// Unit is a handle on a started runtime unit.
type Unit interface {
	Name() string
	ControlAddr() string
	DataAddr() string
	// Stop asks the unit to shut down within grace and waits for it until
	// ctx is done.
	Stop(ctx context.Context, grace time.Duration) error
	// Kill stops the unit without waiting for in-flight work.
	Kill()
}

// Spawner starts units. Spawn returns once the unit is READY.
type Spawner interface {
	Spawn(ctx context.Context, spec UnitSpec) (Unit, error)
}

// LocalSpawner runs units as goroutines of the calling process.
type LocalSpawner struct {
	Log          *slog.Logger
	Registry     *kstage.Registry
	Client       *transport.Client
	Interceptors []kstage.Interceptor
}

func (s *LocalSpawner) Spawn(_ context.Context, spec UnitSpec) (Unit, error) {
	opts := []runtime.Option{runtime.WithInterceptors(s.Interceptors...)}
	if s.Log != nil {
		opts = append(opts, runtime.WithLogger(s.Log))
	}
	if s.Registry != nil {
		opts = append(opts, runtime.WithRegistry(s.Registry))
	}
	if s.Client != nil {
		opts = append(opts, runtime.WithClient(s.Client))
	}
	p, err := runtime.New(spec.Config, opts...)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	return &localUnit{p}, nil
}

type localUnit struct {
	*runtime.Pea
}

func (u *localUnit) Stop(ctx context.Context, _ time.Duration) error {
	return u.Shutdown(ctx)
}

// ProcessSpawner runs every unit as a separate `kflow pea` process. The
// process reads its config on stdin and reports its addresses on the first
// line of stdout.
type ProcessSpawner struct {
	// Command defaults to the running executable.
	Command string
	// Args default to "pea".
	Args   []string
	Env    []string
	Stderr io.Writer
	Client *transport.Client
	Log    *slog.Logger
}

var ErrProcessExited = errors.New("pea process exited before it was ready")

func (s *ProcessSpawner) Spawn(ctx context.Context, spec UnitSpec) (Unit, error) {
	command := s.Command
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		command = exe
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{"pea"}
	}
	cfg, err := json.Marshal(spec.Config)
	if err != nil {
		return nil, err
	}

	// The process outlives ctx, which only bounds the startup.
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdin = bytes.NewReader(cfg)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	u := &processUnit{
		name:   spec.Config.Name,
		cmd:    cmd,
		client: s.Client,
		exited: make(chan struct{}),
	}
	if u.client == nil {
		u.client = transport.Default
	}

	lines := make(chan []byte, 1)
	go func() {
		r := bufio.NewReader(stdout)
		line, _ := r.ReadBytes('\n')
		lines <- line
		_, _ = io.Copy(io.Discard, r)
	}()
	go func() {
		u.waitErr = cmd.Wait()
		close(u.exited)
	}()

	var line []byte
	select {
	case line = <-lines:
	case <-ctx.Done():
		u.Kill()
		return nil, ctx.Err()
	}
	if len(bytes.TrimSpace(line)) == 0 {
		<-u.exited
		return nil, fmt.Errorf("%w: %v", ErrProcessExited, u.waitErr)
	}

	ready, err := runtime.ParseReadyLine(bytes.TrimSpace(line))
	if err != nil {
		u.Kill()
		return nil, err
	}
	if ready.Error != "" {
		u.Kill()
		return nil, errors.New(ready.Error)
	}
	u.control, u.data = ready.Control, ready.Data
	if s.Log != nil {
		s.Log.Debug("Pea process started", "pea", u.name, "pid", cmd.Process.Pid, "control", u.control)
	}
	return u, nil
}

type processUnit struct {
	name          string
	control, data string
	cmd           *exec.Cmd
	client        *transport.Client

	exited  chan struct{}
	waitErr error
	once    sync.Once
}

func (u *processUnit) Name() string        { return u.name }
func (u *processUnit) ControlAddr() string { return u.control }
func (u *processUnit) DataAddr() string    { return u.data }

func (u *processUnit) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-u.exited:
		return nil
	default:
	}
	if err := u.client.Shutdown(ctx, u.control, grace); err != nil {
		return err
	}
	select {
	case <-u.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *processUnit) Kill() {
	u.once.Do(func() {
		_ = u.cmd.Process.Kill()
	})
	<-u.exited
}

// RemoteSpawner attaches to peas that were started elsewhere, at the host
// and port of the unit's plan.
type RemoteSpawner struct {
	Client *transport.Client
}

func (s *RemoteSpawner) Spawn(ctx context.Context, spec UnitSpec) (Unit, error) {
	client := s.Client
	if client == nil {
		client = transport.Default
	}
	addr := spec.Plan.Addr()
	st, err := client.Status(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if !runtime.State(st.State).Live() {
		return nil, fmt.Errorf("remote pea at %s is %s", addr, st.State)
	}
	return &remoteUnit{name: spec.Plan.Name, control: addr, data: st.Data, client: client}, nil
}

type remoteUnit struct {
	name          string
	control, data string
	client        *transport.Client
}

func (u *remoteUnit) Name() string        { return u.name }
func (u *remoteUnit) ControlAddr() string { return u.control }
func (u *remoteUnit) DataAddr() string    { return u.data }

func (u *remoteUnit) Stop(ctx context.Context, grace time.Duration) error {
	return u.client.Shutdown(ctx, u.control, grace)
}

// Kill can only ask a remote pea to stop right away.
func (u *remoteUnit) Kill() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = u.client.Shutdown(ctx, u.control, time.Millisecond)
}
