// Package mailutil holds the pure helpers the email pipeline is built on:
// thread namespaces, header lookup, reply subjects and body conversions.
package mailutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// NamespaceParts identifies a conversation. Field order is part of the hash.
type NamespaceParts struct {
	From      string `json:"from"`
	MailboxID int64  `json:"mailbox_id"`
	Subject   string `json:"subject"`
}

// ThreadNamespace returns the hex SHA-256 of the canonical JSON of parts.
// Identical parts always give the same namespace, which is what makes
// thread find-or-create idempotent.
func ThreadNamespace(parts NamespaceParts) string {
	b, _ := json.Marshal(parts)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
