/*
Package certvault stores private-key passphrases encrypted at rest in a
bbolt file (one "passphrases" bucket, fingerprint-keyed). Entries are
AES-256-GCM sealed under a master key supplied by the caller at Open; the
key itself never touches the vault file.

RotateKey decrypts every entry under the current key and only swaps to the
new key once every entry has round-tripped, so a mid-rotation failure
leaves the vault exactly as it was.
*/
package certvault
