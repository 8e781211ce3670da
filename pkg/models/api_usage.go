package models

import "time"

// APIUsage is one outbound request charged against a credential.
// The credential itself is never stored, only its sha256 hex digest.
type APIUsage struct {
	ID             string    `json:"id" db:"id"`
	URL            string    `json:"url" db:"url"`
	CredentialHash string    `json:"credential_hash" db:"credential_hash"`
	UsedAt         time.Time `json:"used_at" db:"used_at"`
}
