package certtypes

import (
	"bytes"
	"encoding/json"
)

// ToPersisted renders the certificate as its canonical JSON record. Field
// order follows the struct declaration and json.Marshal never reorders map
// keys it did not itself see (Paths/Metadata/Notifications are sorted by
// key by encoding/json), so two calls against equal logical state produce
// byte-identical output, the property the registry's dirty check in
// loadAll relies on.
func (c *Certificate) ToPersisted() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// FromPersisted parses a canonical JSON record produced by ToPersisted.
func FromPersisted(data []byte) (*Certificate, error) {
	var c Certificate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
