// Package keysource resolves the process-wide symmetric key that seals cached credentials.
//
// The key may be pre-provisioned through one of three read-only sources:
//   - Env: an environment variable (requires external secret management)
//   - File: a local file with 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//
// Without a source a fresh random key is generated once per process. Material that
// decodes to exactly 32 bytes of base64 is used as-is; anything else is stretched
// to 32 bytes with HKDF-SHA256.
package keysource
