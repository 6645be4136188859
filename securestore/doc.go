// Package securestore provides the two key-value stores a session is
// persisted to: a SecretStore whose values are sealed with AES-256-GCM
// before they reach the repository, and a MetadataStore for small JSON
// documents that must be readable without unsealing anything.
//
// Both stores treat deletion of an absent key as success.
package securestore
