package kstate

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// ManifestVersion is the only manifest format version.
const ManifestVersion = 0

var ErrNoManifest = errors.New("store: no manifest")

// ManifestEntry describes one checkpointed namespace.
type ManifestEntry struct {
	Namespace string
	Files     int
	Bytes     int64
}

// Manifest lists the namespaces of a snapshot.
//
// Text format:
//
//	0
//	2
//	idx-1 4 20931
//	idx-2 4 19877
//
// The first line is the version, the second the number of entries, then one
// "<namespace> <files> <bytes>" line per entry sorted by namespace.
type Manifest struct {
	Entries []ManifestEntry
}

// Add records e, replacing an earlier entry of the same namespace.
func (m *Manifest) Add(e ManifestEntry) {
	i, found := slices.BinarySearchFunc(m.Entries, e.Namespace, func(a ManifestEntry, ns string) int {
		return strings.Compare(a.Namespace, ns)
	})
	if found {
		m.Entries[i] = e
		return
	}
	m.Entries = slices.Insert(m.Entries, i, e)
}

func (m *Manifest) MarshalText() ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d\n%d\n", ManifestVersion, len(m.Entries))
	for _, e := range m.Entries {
		if e.Namespace == "" || strings.ContainsAny(e.Namespace, " \t\n") {
			return nil, fmt.Errorf("invalid namespace %q", e.Namespace)
		}
		if e.Files < 0 || e.Bytes < 0 {
			return nil, fmt.Errorf("negative size for %s", e.Namespace)
		}
		fmt.Fprintf(&buf, "%s %d %d\n", e.Namespace, e.Files, e.Bytes)
	}
	return buf.Bytes(), nil
}

// ParseManifest reads the text format. Any deviation is an error.
func ParseManifest(data []byte) (*Manifest, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	next := func() (string, bool) {
		if !scanner.Scan() {
			return "", false
		}
		lineNum++
		return strings.TrimSpace(scanner.Text()), true
	}

	line, ok := next()
	if !ok {
		return nil, errors.New("manifest is empty")
	}
	version, err := strconv.Atoi(line)
	if err != nil {
		return nil, fmt.Errorf("line %d: invalid version: %w", lineNum, err)
	}
	if version != ManifestVersion {
		return nil, fmt.Errorf("unknown manifest version %d", version)
	}

	line, ok = next()
	if !ok {
		return nil, errors.New("missing entry count on line 2")
	}
	count, err := strconv.Atoi(line)
	if err != nil || count < 0 {
		return nil, fmt.Errorf("line %d: invalid entry count %q", lineNum, line)
	}

	m := &Manifest{}
	for {
		line, ok := next()
		if !ok {
			break
		}
		parts := strings.Fields(line)
		if len(parts) != 3 {
			return nil, fmt.Errorf("line %d: expected 3 fields (namespace files bytes), got %d", lineNum, len(parts))
		}
		files, err := strconv.Atoi(parts[1])
		if err != nil || files < 0 {
			return nil, fmt.Errorf("line %d: invalid file count %q", lineNum, parts[1])
		}
		size, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("line %d: invalid size %q", lineNum, parts[2])
		}
		m.Add(ManifestEntry{Namespace: parts[0], Files: files, Bytes: size})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if len(m.Entries) != count {
		return nil, fmt.Errorf("expected %d entries but found %d", count, len(m.Entries))
	}
	return m, nil
}

// ReadManifest loads the manifest at path. A missing file is ErrNoManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoManifest, path)
		}
		return nil, err
	}
	return ParseManifest(data)
}

// WriteManifest stores m at path through a synced temporary file, so
// readers see either the old or the new manifest.
func WriteManifest(path string, m *Manifest) error {
	data, err := m.MarshalText()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory for fsync: %w", err)
	}
	defer d.Close()
	return d.Sync()
}
