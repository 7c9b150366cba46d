package kflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/birdayz/kflow/kdag"
	"github.com/birdayz/kflow/kstate"
)

// ManifestKey is the object below a snapshot prefix that lists its
// namespaces.
const ManifestKey = "MANIFEST"

var ErrNoWorkspace = errors.New("kflow: flow has no workspace")

// ObjectStore keeps snapshots. *objstore.Bucket implements it.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	PutDir(ctx context.Context, dir, prefix string) (int, error)
	GetDir(ctx context.Context, prefix, dir string) (int, error)
}

// Snapshot copies the persistent state of every local unit to store below
// prefix. The flow must have a workspace and must not be built, since
// running units hold their namespaces.
func (f *Flow) Snapshot(ctx context.Context, store ObjectStore, prefix string) (*kstate.Manifest, error) {
	root, err := f.offlineWorkspace()
	if err != nil {
		return nil, err
	}
	plan, err := f.Plan()
	if err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp("", "kflow-snapshot-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	m := &kstate.Manifest{}
	for _, ns := range namespaces(plan) {
		if !kstate.HasState(root, ns) {
			continue
		}
		dest := filepath.Join(tmp, ns)
		entry, err := kstate.CheckpointNamespace(root, ns, dest)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", ns, err)
		}
		if _, err := store.PutDir(ctx, dest, path.Join(prefix, ns)); err != nil {
			return nil, err
		}
		m.Add(entry)
		f.log.Debug("Namespace saved", "namespace", ns, "files", entry.Files, "bytes", entry.Bytes)
	}

	data, err := m.MarshalText()
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, path.Join(prefix, ManifestKey), data); err != nil {
		return nil, err
	}
	f.log.Info("Snapshot written", "prefix", prefix, "namespaces", len(m.Entries))
	return m, nil
}

// Restore fills the flow's workspace from a snapshot written by Snapshot.
// Namespaces that already hold state are refused with
// kstate.ErrWorkspaceExists.
func (f *Flow) Restore(ctx context.Context, store ObjectStore, prefix string) (*kstate.Manifest, error) {
	root, err := f.offlineWorkspace()
	if err != nil {
		return nil, err
	}
	data, err := store.Get(ctx, path.Join(prefix, ManifestKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kstate.ErrNoManifest, err)
	}
	m, err := kstate.ParseManifest(data)
	if err != nil {
		return nil, err
	}

	for _, e := range m.Entries {
		err := kstate.RestoreNamespace(root, e.Namespace, func(dir string) error {
			n, err := store.GetDir(ctx, path.Join(prefix, e.Namespace), dir)
			if err != nil {
				return err
			}
			if n != e.Files {
				return fmt.Errorf("namespace %s: got %d files, manifest lists %d", e.Namespace, n, e.Files)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		f.log.Debug("Namespace restored", "namespace", e.Namespace, "files", e.Files)
	}
	f.log.Info("Snapshot restored", "prefix", prefix, "namespaces", len(m.Entries))
	return m, nil
}

func (f *Flow) offlineWorkspace() (string, error) {
	if f.settings.Workspace == "" {
		return "", ErrNoWorkspace
	}
	if _, err := f.built(); err == nil {
		return "", ErrAlreadyBuilt
	}
	return f.settings.Workspace, nil
}

// namespaces lists the workspace namespaces of local units.
func namespaces(p *kdag.Plan) []string {
	var out []string
	seen := make(map[string]bool)
	for _, u := range p.Units() {
		if u.Workspace == "" || u.Remote() || seen[u.Workspace] {
			continue
		}
		seen[u.Workspace] = true
		out = append(out, u.Workspace)
	}
	return out
}
