// Package secrets extracts program keypairs from build output, optionally
// encrypts them for an age recipient, and purges the backing files after
// delivery. Records exist only in the completion response; nothing in this
// package writes key material to a durable store.
package secrets

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"filippo.io/age"

	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/validation"
)

// keypairSuffix is the filename convention that marks a credential file.
// It mirrors the artifact scanner's classification rule.
const keypairSuffix = "-keypair.json"

// ErrInvalidRecipient is returned when an age recipient string cannot be
// parsed.
var ErrInvalidRecipient = errors.New("invalid age recipient")

// ValidateRecipient checks an age recipient string without touching any
// key material. An empty recipient is valid and means plaintext delivery.
func ValidateRecipient(recipient string) error {
	if recipient == "" {
		return nil
	}
	if _, err := age.ParseX25519Recipient(recipient); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	return nil
}

// Service extracts keypair records from a build's output directory and
// purges the backing files once the records have been delivered.
type Service struct {
	logger *slog.Logger
}

// NewService creates a secrets service.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// Extract parses the given credential artifacts into SecretRecords. A file
// that fails containment, reading, or parsing is logged and skipped rather
// than failing the call: the build itself already succeeded, so partial
// extraction beats losing the whole result. When recipient is non-empty
// each keypair travels age-encrypted and its raw bytes never enter the
// record.
func (s *Service) Extract(ctx context.Context, outputRoot string, credentials []models.Artifact, recipient string) ([]models.SecretRecord, error) {
	var rec *age.X25519Recipient
	if recipient != "" {
		parsed, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
		}
		rec = parsed
	}

	records := make([]models.SecretRecord, 0, len(credentials))
	for _, cred := range credentials {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		abs, rel, err := validation.ResolveUnder(outputRoot, cred.Path)
		if err != nil {
			s.logger.Warn("skipping credential outside output root",
				"path", cred.Path,
				"error", err,
			)
			continue
		}

		data, err := os.ReadFile(abs)
		if err != nil {
			s.logger.Warn("skipping unreadable credential file",
				"path", rel,
				"error", err,
			)
			continue
		}

		buf, err := ParseKeypair(data)
		wipe(data)
		if err != nil {
			s.logger.Warn("skipping unparseable credential file",
				"path", rel,
				"error", err,
			)
			continue
		}

		record := models.SecretRecord{
			Name:       strings.TrimSuffix(cred.Name, keypairSuffix),
			SourceFile: rel,
			PublicKey:  PublicKeyBase58(buf.Bytes()),
		}

		if rec != nil {
			ciphertext, err := encrypt(buf.Bytes(), rec)
			buf.Destroy()
			if err != nil {
				s.logger.Warn("skipping credential that failed to encrypt",
					"path", rel,
					"error", err,
				)
				continue
			}
			record.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
		} else {
			record.Keypair = append([]byte(nil), buf.Bytes()...)
			buf.Destroy()
		}

		records = append(records, record)
	}

	s.logger.Info("extracted keypair records",
		"output_root", outputRoot,
		"credentials", len(credentials),
		"parsed", len(records),
	)

	return records, nil
}

// Purge deletes each record's backing file from outputRoot and zeroes any
// raw keypair bytes the records still hold. It runs strictly after the
// records have been handed to the caller-facing response, keeps going past
// individual failures, and reports them joined at the end. A file that is
// already gone counts as purged.
func (s *Service) Purge(ctx context.Context, outputRoot string, records []models.SecretRecord) error {
	var errs []error
	for i := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		wipe(records[i].Keypair)

		abs, _, err := validation.ResolveUnder(outputRoot, records[i].SourceFile)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", records[i].SourceFile, err))
			continue
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("purge %s: %w", records[i].SourceFile, err))
			continue
		}
		s.logger.Debug("purged credential file", "path", records[i].SourceFile)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// encrypt runs plaintext through age for the given recipient.
func encrypt(plaintext []byte, recipient age.Recipient) ([]byte, error) {
	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipient)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// GenerateKeyPair returns a fresh age recipient and identity pair. Callers
// that want encrypted keypair delivery submit the recipient with the build
// request and keep the identity to themselves.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}
