// Package token seals small typed payloads with a process-wide secret
// and shields the resulting strings against compression side channels.
//
// A TokenBox encrypts a payload together with a short ASCII type tag.
// Decryption demands the expected tag, so a token minted for one purpose
// cannot be replayed for another: the mismatch surfaces as ErrWrongType,
// which is distinct from ErrDecryptFailed (key or ciphertext mismatch).
//
// Keys are derived from configured secrets with HKDF-SHA256. Several
// secrets may be active at once, newest first; sealing always uses the
// newest, opening tries each in order. That allows rotating the secret
// without invalidating tokens issued under the previous one. A Watcher
// can reload the secret list from a file when it changes on disk.
//
// Shield and Unshield wrap tokens that end up inside compressed HTTPS
// responses: a fresh random mask is XORed over the value on every call,
// so two shieldings of the same token never compress alike.
package token
