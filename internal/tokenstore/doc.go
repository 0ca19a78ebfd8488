// Package tokenstore provides an encrypted, TTL-bounded in-memory credential cache.
//
// Secrets are sealed with AES-256-GCM under a single process-wide key and a fresh
// random IV per write. Entries are kept as iv:auth_tag:ciphertext with an absolute
// expiry and are never written to disk.
//
// Expired entries are evicted lazily on Fetch and periodically by RunSweeper, so
// abandoned sessions do not accumulate regardless of lookup traffic.
//
// Decryption failures (corrupted data or a key that no longer matches) are logged
// and reported as "absent". A broken cache degrades to "not authenticated" and
// never takes the host process down. Encryption failures on Put are returned to
// the caller because they signal a misconfigured key.
package tokenstore
