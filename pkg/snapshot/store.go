package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/cuemby/certd/pkg/certerrors"
	metrics "github.com/cuemby/certd/pkg/certmetrics"
	"github.com/cuemby/certd/pkg/certtypes"
)

// Store manages the on-disk snapshot archive rooted at archiveRoot.
type Store struct {
	archiveRoot string
	now         func() time.Time
	nextID      func(last int64) int64
}

// New returns a Store rooted at archiveRoot.
func New(archiveRoot string) *Store {
	return &Store{
		archiveRoot: archiveRoot,
		now:         time.Now,
		nextID:      defaultNextID,
	}
}

func defaultNextID(last int64) int64 {
	id := time.Now().UnixMilli()
	if id <= last {
		id = last + 1
	}
	return id
}

var unsafeChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Sanitize replaces every character outside [A-Za-z0-9._-] with "_" so a
// certificate name is always a safe directory name.
func Sanitize(name string) string {
	return unsafeChar.ReplaceAllString(name, "_")
}

func (s *Store) dir(certName string, typ certtypes.SnapshotType, id int64) string {
	return filepath.Join(s.archiveRoot, Sanitize(certName), string(typ), fmt.Sprintf("%d", id))
}

type snapshotMeta struct {
	ID                    int64                      `json:"id"`
	Type                  certtypes.SnapshotType     `json:"type"`
	Trigger               certtypes.SnapshotTrigger  `json:"trigger"`
	Description           string                     `json:"description,omitempty"`
	CreatedAt             time.Time                  `json:"createdAt"`
	FingerprintAtSnapshot string                     `json:"fingerprintAtSnapshot"`
	Files                 []string                   `json:"files"`
}

// CreateSnapshot copies every existing file in cert.Paths into a new,
// uniquely-id'd directory under the archive root, then appends the entry
// to cert.Snapshots. Collisions on the millisecond id are retried so every
// snapshot id under a certificate name stays unique.
func (s *Store) CreateSnapshot(cert *certtypes.Certificate, typ certtypes.SnapshotType, trigger certtypes.SnapshotTrigger, description string) (entry *certtypes.SnapshotEntry, err error) {
	defer func() { observeOp("create", err) }()
	var lastID int64
	for _, e := range cert.Snapshots {
		if e.ID > lastID {
			lastID = e.ID
		}
	}

	id := s.nextID(lastID)
	dir := s.dir(cert.Name, typ, id)
	for attempt := 0; attempt < 5; attempt++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
		id++
		dir = s.dir(cert.Name, typ, id)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, certerrors.Wrap(certerrors.IOError, "create snapshot directory", err)
	}

	var files []string
	for role, path := range cert.Paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		base := filepath.Base(path)
		if err := copyFileAtomic(path, filepath.Join(dir, base)); err != nil {
			os.RemoveAll(dir)
			return nil, certerrors.Wrap(certerrors.IOError, fmt.Sprintf("copy %s file", role), err)
		}
		files = append(files, base)
	}
	sort.Strings(files)

	meta := snapshotMeta{
		ID:                    id,
		Type:                  typ,
		Trigger:               trigger,
		Description:           description,
		CreatedAt:             s.now().UTC(),
		FingerprintAtSnapshot: cert.Fingerprint,
		Files:                 files,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		os.RemoveAll(dir)
		return nil, certerrors.Wrap(certerrors.IOError, "marshal snapshot metadata", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "meta.json"), metaBytes, 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	e := certtypes.SnapshotEntry{
		ID:                    meta.ID,
		Type:                  meta.Type,
		Trigger:               meta.Trigger,
		Description:           meta.Description,
		CreatedAt:             meta.CreatedAt,
		FingerprintAtSnapshot: meta.FingerprintAtSnapshot,
		Files:                 meta.Files,
	}
	cert.Snapshots = append(cert.Snapshots, e)
	return &e, nil
}

// ListSnapshots returns cert.Snapshots filtered by typ ("all" for no
// filter), sorted by createdAt descending, ties broken by id descending.
func ListSnapshots(cert *certtypes.Certificate, typ string) []certtypes.SnapshotEntry {
	var out []certtypes.SnapshotEntry
	for _, e := range cert.Snapshots {
		if typ != "" && typ != "all" && string(e.Type) != typ {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func findEntry(cert *certtypes.Certificate, id int64) (*certtypes.SnapshotEntry, int) {
	for i, e := range cert.Snapshots {
		if e.ID == id {
			return &cert.Snapshots[i], i
		}
	}
	return nil, -1
}

// RestoreSnapshot overwrites the certificate's live file paths with the
// archived copies from snapshot id. It does not itself refresh parsed
// properties; the caller must re-parse the certificate afterward.
func (s *Store) RestoreSnapshot(cert *certtypes.Certificate, id int64) (err error) {
	defer func() { observeOp("restore", err) }()
	entry, _ := findEntry(cert, id)
	if entry == nil {
		return certerrors.New(certerrors.NotFound, fmt.Sprintf("snapshot %d not found", id))
	}
	dir := s.dir(cert.Name, entry.Type, entry.ID)
	for _, base := range entry.Files {
		src := filepath.Join(dir, base)
		dst := livePathForBasename(cert, base)
		if dst == "" {
			continue
		}
		if err := copyFileAtomic(src, dst); err != nil {
			return certerrors.Wrap(certerrors.IOError, "restore "+base, err)
		}
	}
	return nil
}

func livePathForBasename(cert *certtypes.Certificate, base string) string {
	for _, path := range cert.Paths {
		if filepath.Base(path) == base {
			return path
		}
	}
	return ""
}

// DeleteSnapshot removes the archive directory and drops the index entry.
func (s *Store) DeleteSnapshot(cert *certtypes.Certificate, id int64) (err error) {
	defer func() { observeOp("delete", err) }()
	entry, idx := findEntry(cert, id)
	if entry == nil {
		return certerrors.New(certerrors.NotFound, fmt.Sprintf("snapshot %d not found", id))
	}
	dir := s.dir(cert.Name, entry.Type, entry.ID)
	if err := os.RemoveAll(dir); err != nil {
		return certerrors.Wrap(certerrors.IOError, "remove snapshot directory", err)
	}
	cert.Snapshots = append(cert.Snapshots[:idx], cert.Snapshots[idx+1:]...)
	return nil
}

func observeOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SnapshotOperationsTotal.WithLabelValues(op, result).Inc()
}

func copyFileAtomic(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	perm := os.FileMode(0o644)
	if err == nil {
		perm = info.Mode().Perm()
	}
	return writeFileAtomic(dst, data, perm)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
