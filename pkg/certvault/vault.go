package certvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/certd/pkg/certerrors"
)

var bucketPassphrases = []byte("passphrases")

// Vault is the process-wide passphrase store; its lifecycle is tied to the
// engine process (opened at startup, closed at shutdown).
type Vault struct {
	db        *bolt.DB
	mu        sync.RWMutex
	masterKey []byte // 32 bytes, AES-256
}

// Open opens (creating if absent) the bbolt file at path and prepares the
// passphrases bucket. masterKey must be 32 bytes; it is held only in
// memory and never itself written to the vault file, so the caller must
// supply it consistently across restarts.
func Open(path string, masterKey []byte) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, certerrors.New(certerrors.BadInput, "master key must be 32 bytes")
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, certerrors.Wrap(certerrors.IOError, "open vault file", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPassphrases)
		return err
	})
	if err != nil {
		db.Close()
		return nil, certerrors.Wrap(certerrors.IOError, "create vault bucket", err)
	}
	return &Vault{db: db, masterKey: masterKey}, nil
}

// Close releases the underlying bbolt file.
func (v *Vault) Close() error {
	return v.db.Close()
}

func (v *Vault) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, certerrors.Wrap(certerrors.CryptoError, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, certerrors.Wrap(certerrors.CryptoError, "create GCM", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, certerrors.Wrap(certerrors.CryptoError, "generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, certerrors.Wrap(certerrors.CryptoError, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, certerrors.Wrap(certerrors.CryptoError, "create GCM", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, certerrors.New(certerrors.CryptoError, "ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, certerrors.Wrap(certerrors.WrongPassphrase, "decrypt vault entry", err)
	}
	return plaintext, nil
}

// Store encrypts and persists the passphrase for fp, overwriting any
// existing entry.
func (v *Vault) Store(fp, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	ciphertext, err := v.encrypt([]byte(passphrase))
	if err != nil {
		return err
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPassphrases).Put([]byte(fp), ciphertext)
	})
}

// Get returns the plaintext passphrase for fp, or ok=false if none is
// stored.
func (v *Vault) Get(fp string) (passphrase string, ok bool, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var ciphertext []byte
	txErr := v.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPassphrases).Get([]byte(fp))
		if data != nil {
			ciphertext = append([]byte(nil), data...)
		}
		return nil
	})
	if txErr != nil {
		return "", false, certerrors.Wrap(certerrors.IOError, "read vault", txErr)
	}
	if ciphertext == nil {
		return "", false, nil
	}
	plaintext, err := v.decrypt(ciphertext)
	if err != nil {
		return "", false, err
	}
	return string(plaintext), true, nil
}

// Has reports whether fp has a stored passphrase, without decrypting it.
func (v *Vault) Has(fp string) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	found := false
	err := v.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketPassphrases).Get([]byte(fp)) != nil
		return nil
	})
	if err != nil {
		return false, certerrors.Wrap(certerrors.IOError, "read vault", err)
	}
	return found, nil
}

// Delete removes the passphrase for fp, if any.
func (v *Vault) Delete(fp string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPassphrases).Delete([]byte(fp))
	})
}

// RotateKey decrypts every entry under the current master key and
// re-encrypts it under newKey, committing only if every entry decrypts
// successfully: an all-or-nothing rotation that leaves the vault untouched
// when any entry fails. The swap of v.masterKey happens only after every
// entry has round-tripped.
func (v *Vault) RotateKey(newKey []byte) error {
	if len(newKey) != 32 {
		return certerrors.New(certerrors.BadInput, "new master key must be 32 bytes")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	type entry struct {
		fp        string
		plaintext []byte
	}
	var entries []entry

	err := v.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPassphrases).ForEach(func(k, val []byte) error {
			plaintext, err := v.decrypt(append([]byte(nil), val...))
			if err != nil {
				return fmt.Errorf("decrypt entry %s: %w", k, err)
			}
			entries = append(entries, entry{fp: string(k), plaintext: plaintext})
			return nil
		})
	})
	if err != nil {
		return certerrors.Wrap(certerrors.CryptoError, "rotate vault key: decrypt phase", err)
	}

	oldKey := v.masterKey
	v.masterKey = newKey
	reencrypted := make(map[string][]byte, len(entries))
	for _, e := range entries {
		ciphertext, err := v.encrypt(e.plaintext)
		if err != nil {
			v.masterKey = oldKey
			return certerrors.Wrap(certerrors.CryptoError, "rotate vault key: encrypt phase", err)
		}
		reencrypted[e.fp] = ciphertext
	}

	err = v.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPassphrases)
		for fp, ciphertext := range reencrypted {
			if err := b.Put([]byte(fp), ciphertext); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		v.masterKey = oldKey
		return certerrors.Wrap(certerrors.IOError, "rotate vault key: commit phase", err)
	}
	return nil
}
