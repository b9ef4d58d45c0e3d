package models

// SecretRecord carries one program keypair back to the caller. It exists
// only in the completion response: the backing file is purged right after
// delivery and the record is never written to any durable store.
type SecretRecord struct {
	Name       string `json:"name"`
	SourceFile string `json:"source_file"`
	// PublicKey is the base58 public identifier derived from the keypair.
	PublicKey string `json:"public_key"`
	// Keypair is the raw 64-byte keypair, present when no recipient was given.
	Keypair []byte `json:"keypair,omitempty"`
	// Ciphertext is the age-encrypted keypair when the caller supplied a
	// recipient at submission.
	Ciphertext string `json:"ciphertext,omitempty"`
}
