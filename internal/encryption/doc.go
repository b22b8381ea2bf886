// Package encryption provides symmetric payload encryption and a middleware
// entry that applies it to selected events.
//
// Ciphertexts are AES-256-GCM with a key derived from the shared secret by
// HKDF-SHA256, encoded as base64(nonce || ciphertext). On the wire an
// encrypted payload is a JSON string holding that encoding.
package encryption
