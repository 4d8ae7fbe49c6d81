// Package envelope implements the symmetric envelope used for batch and
// export payloads.
//
// An Envelope holds a random AES-256 key and a 16-byte IV. The key is
// wrapped with RSA-OAEP (SHA-256) under the remote service's public key so
// only the service can unwrap it. Payloads are encrypted with AES-256-CBC and
// PKCS#7 padding using the envelope's fixed key and IV:
//
//	env, err := envelope.New(pub)
//	ct, err := envelope.Encrypt(plaintext, env.Key, env.IV)
//	md := envelope.Digest(ct)
//
// Encryption is deterministic for a given envelope, so metadata of the
// ciphertext can be computed before it is sent.
//
// The package also provides Sealer, an AEAD used to protect local state
// (sync checkpoints) at rest with a passphrase-derived key.
package envelope
