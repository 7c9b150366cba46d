package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ReadyLine is the single JSON line a pea subprocess prints once it is
// READY, or once it failed to get there.
type ReadyLine struct {
	Name    string `json:"name"`
	Control string `json:"control,omitempty"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RunSubprocess reads a Config from in, starts the pea and reports its
// addresses on out. It returns when the pea is closed, or shuts the pea
// down when ctx is cancelled.
func RunSubprocess(ctx context.Context, in io.Reader, out io.Writer, opts ...Option) error {
	var cfg Config
	if err := json.NewDecoder(in).Decode(&cfg); err != nil {
		err = fmt.Errorf("read pea config: %w", err)
		_ = writeReady(out, ReadyLine{Error: err.Error()})
		return err
	}

	p, err := New(cfg, opts...)
	if err == nil {
		err = p.Start()
	}
	if err != nil {
		_ = writeReady(out, ReadyLine{Name: cfg.Name, Error: err.Error()})
		return err
	}
	if err := writeReady(out, ReadyLine{Name: cfg.Name, Control: p.ControlAddr(), Data: p.DataAddr()}); err != nil {
		p.Kill()
		return err
	}

	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownGrace)
		defer cancel()
		return p.Shutdown(sctx)
	}
}

func writeReady(w io.Writer, l ReadyLine) error {
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

// ParseReadyLine decodes the line printed by RunSubprocess.
func ParseReadyLine(line []byte) (ReadyLine, error) {
	var l ReadyLine
	if err := json.Unmarshal(line, &l); err != nil {
		return l, fmt.Errorf("parse ready line %q: %w", line, err)
	}
	return l, nil
}
