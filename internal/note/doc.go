// Package note implements the shielded note codec of the pool.
//
// Overview:
//   - A Note is an immutable unit of value: amount, token, owner public key,
//     blinding and, once it is in the commitment tree, its leaf index
//   - Commit and Nullify are pure functions over 32-byte field encodings
//   - Encrypt / Decrypt carry a note to its recipient; decryption with any
//     other key yields nothing
//
// Security Model:
//   - MiMC over the BN254 scalar field for commitments, nullifiers and the
//     owner public key, so the same values are computable inside the circuit
//   - BLS12-377 Diffie-Hellman with an ephemeral key per ciphertext,
//     HKDF-SHA256 and ChaCha20-Poly1305 for note encryption
//   - The spend secret is derived from a signature of a fixed message by the
//     account key and is never persisted
//   - All randomness comes from crypto/rand
//
// Usage:
//   - DeriveKeys / GenerateKeys / LoadKeys to obtain a KeyProvider
//   - New to create a note, Commit and Nullify to derive its public values
//   - Encrypt for the recipient Address, Decrypt while scanning
package note
