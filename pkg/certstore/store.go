package certstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/certd/pkg/certerrors"
	"github.com/cuemby/certd/pkg/certtypes"
)

const schemaVersion = 1

// Document is the on-disk shape of certificates.json.
type Document struct {
	Version      int                             `json:"version"`
	LastUpdate   time.Time                       `json:"lastUpdate"`
	Certificates map[string]*certtypes.Certificate `json:"certificates"`
}

// Store reads and writes {configDir}/certificates.json.
type Store struct {
	path string
	now  func() time.Time
}

// New returns a Store rooted at configDir.
func New(configDir string) *Store {
	return &Store{path: filepath.Join(configDir, "certificates.json"), now: time.Now}
}

// ModTime returns the metadata file's last-modified time, used by the
// registry's cache-validity check. A missing file reports the zero time
// with no error.
func (s *Store) ModTime() (time.Time, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, certerrors.Wrap(certerrors.IOError, "stat metadata file", err)
	}
	return info.ModTime(), nil
}

// Load reads the metadata file. An absent or empty file yields an empty
// document, not an error. A parse failure quarantines the corrupt file to
// certificates.json.corrupt-{epochMillis} (never deleted) and also returns
// an empty document.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return emptyDocument(), nil
	}
	if err != nil {
		return nil, certerrors.Wrap(certerrors.IOError, "read metadata file", err)
	}
	if len(data) == 0 {
		return emptyDocument(), nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().UnixMilli())
		if werr := os.WriteFile(quarantine, data, 0o644); werr != nil {
			return nil, certerrors.Wrap(certerrors.ConfigCorrupt, "quarantine corrupt metadata file", werr)
		}
		return emptyDocument(), nil
	}
	if doc.Certificates == nil {
		doc.Certificates = map[string]*certtypes.Certificate{}
	}
	return &doc, nil
}

func emptyDocument() *Document {
	return &Document{Version: schemaVersion, Certificates: map[string]*certtypes.Certificate{}}
}

// Save serializes doc with stable key ordering and writes it via
// write-to-.tmp, fsync, rename-over-target. A failed rename falls back to
// a direct write; if that also fails, IOError is returned.
func (s *Store) Save(certs map[string]*certtypes.Certificate) error {
	doc := Document{
		Version:      schemaVersion,
		LastUpdate:   s.now().UTC(),
		Certificates: certs,
	}
	data, err := marshalStable(doc)
	if err != nil {
		return certerrors.Wrap(certerrors.IOError, "marshal metadata", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return certerrors.Wrap(certerrors.IOError, "create config directory", err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return s.saveFallback(data, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return s.saveFallback(data, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return s.saveFallback(data, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return s.saveFallback(data, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return s.saveFallback(data, err)
	}
	return nil
}

// saveFallback is invoked when the stage-then-rename path fails for any
// reason; it attempts a direct write to the target path and only then
// surfaces IOError.
func (s *Store) saveFallback(data []byte, cause error) error {
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return certerrors.Wrap(certerrors.IOError, "save metadata (fallback write failed)", err)
	}
	return nil
}

// marshalStable renders doc with certificates sorted by fingerprint key so
// that two calls against logically equal state produce byte-identical
// output, matching CertificateEntity.ToPersisted's round-trip requirement.
func marshalStable(doc Document) ([]byte, error) {
	fps := make([]string, 0, len(doc.Certificates))
	for fp := range doc.Certificates {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	type wire struct {
		Version      int                       `json:"version"`
		LastUpdate   time.Time                 `json:"lastUpdate"`
		Certificates *orderedCertMap           `json:"certificates"`
	}
	return json.MarshalIndent(wire{
		Version:      doc.Version,
		LastUpdate:   doc.LastUpdate,
		Certificates: &orderedCertMap{keys: fps, values: doc.Certificates},
	}, "", "  ")
}

// orderedCertMap marshals a certificate map with keys in a fixed order,
// since encoding/json sorts map[string]T keys already; this wrapper
// exists to make that guarantee explicit and independent of map iteration
// order during construction.
type orderedCertMap struct {
	keys   []string
	values map[string]*certtypes.Certificate
}

func (m *orderedCertMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range m.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
