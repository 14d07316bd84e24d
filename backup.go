package shugo

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/sheep-shaker/Shugo-sub004/audit"
	"github.com/sheep-shaker/Shugo-sub004/internal/crypto"
	"github.com/sheep-shaker/Shugo-sub004/internal/debug"
	"github.com/sheep-shaker/Shugo-sub004/persist"
)

const (
	// backupFormatVersion tracks the payload structure inside EncryptedData.
	backupFormatVersion = "1.0.0"

	// vaultRelease is stamped into backup records for compatibility checks.
	vaultRelease = "1.0.0"

	backupEncryptionMethod = "pbkdf2-chacha20poly1305+gzip"

	// minBackupKeyLength is the shortest accepted backup key. The backup key
	// is independent of the master key; neither derives the other.
	minBackupKeyLength = 16
)

// BackupType selects which planes a backup covers.
type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupKeysOnly    BackupType = "keys_only"
	BackupSecretsOnly BackupType = "secrets_only"
)

// BackupOptions controls CreateBackup.
type BackupOptions struct {
	// Type selects the planes to capture. Defaults to BackupFull.
	Type BackupType

	// Format selects the payload serialization. Only "json" is supported;
	// empty means json.
	Format string

	// Actor is recorded in the protocol log. Empty falls back to the
	// configured actor.
	Actor string
}

// RestoreOptions controls RestoreBackup.
type RestoreOptions struct {
	// ValidateOnly decrypts and validates the backup without touching live
	// state. Works against any vault state.
	ValidateOnly bool

	// Overwrite must be set explicitly for a destructive restore.
	Overwrite bool

	// Actor is recorded in the protocol log.
	Actor string
}

// BackupSummary reports what a backup contains without restoring it.
type BackupSummary struct {
	BackupID    string     `json:"backup_id"`
	Type        BackupType `json:"type"`
	CreatedAt   time.Time  `json:"created_at"`
	KeyCount    int        `json:"key_count"`
	SecretCount int        `json:"secret_count"`
	Valid       bool       `json:"valid"`
}

// backupPayload is the cleartext structure inside EncryptedData: container
// snapshots of the keyring and secrets ledger plus enough metadata to
// validate them structurally. The snapshots keep their key material wrapped
// under the source vault's wrapping key, so restoring requires the same
// master key in addition to the backup key.
type backupPayload struct {
	Version     string          `json:"version"`
	Type        BackupType      `json:"type"`
	CreatedAt   time.Time       `json:"created_at"`
	KeyCount    int             `json:"key_count"`
	SecretCount int             `json:"secret_count"`
	Keyring     json.RawMessage `json:"keyring,omitempty"`
	Secrets     json.RawMessage `json:"secrets,omitempty"`
}

// CreateBackup snapshots the keyring and secrets ledger per the requested
// type, compresses the snapshot, encrypts it under a key derived from
// backupKey with a fresh random salt, and writes the sealed record to the
// store with a checksum. The vault must be unsealed. After a successful
// write, backups beyond the retention limit are pruned oldest first.
func (s *Service) CreateBackup(backupKey []byte, options BackupOptions) (*persist.BackupRecord, error) {
	requestID := newRequestID()
	start := time.Now()

	if options.Type == "" {
		options.Type = BackupFull
	}
	fields := map[string]interface{}{
		audit.FieldActor: actorOrDefault(options.Actor, s.options.Actor),
		"type":           string(options.Type),
	}

	if err := validateBackupOptions(options, backupKey); err != nil {
		s.manager.logProtocol(requestID, ProtocolBackupCreate, err, fields, start)
		return nil, err
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolBackupCreate, err, fields, start)
		return nil, err
	}
	defer token.Release()

	// Hold off rotation so the two snapshots describe one moment in time.
	s.manager.rotationMu.RLock()
	payload, err := s.buildBackupPayload(options.Type)
	s.manager.rotationMu.RUnlock()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolBackupCreate, err, fields, start)
		return nil, err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		err = fmt.Errorf("failed to serialize backup payload: %w", err)
		s.manager.logProtocol(requestID, ProtocolBackupCreate, err, fields, start)
		return nil, err
	}
	defer memguard.WipeBytes(payloadJSON)

	compressed, err := gzipCompress(payloadJSON)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolBackupCreate, err, fields, start)
		return nil, err
	}
	defer memguard.WipeBytes(compressed)

	encrypted, err := crypto.EncryptWithPassphrase(compressed, backupKey)
	if err != nil {
		err = fmt.Errorf("failed to encrypt backup: %w", err)
		s.manager.logProtocol(requestID, ProtocolBackupCreate, err, fields, start)
		return nil, err
	}

	record := &persist.BackupRecord{
		BackupID:         uuid.New().String(),
		Type:             string(options.Type),
		CreatedAt:        payload.CreatedAt,
		VaultVersion:     vaultRelease,
		BackupVersion:    backupFormatVersion,
		EncryptionMethod: backupEncryptionMethod,
		EncryptedData:    base64.StdEncoding.EncodeToString(encrypted),
		Checksum:         crypto.CalculateChecksum(encrypted),
	}

	name := backupName(record)
	if err = s.store.SaveBackup(name, record); err != nil {
		err = fmt.Errorf("failed to store backup: %w", err)
		s.manager.logProtocol(requestID, ProtocolBackupCreate, err, fields, start)
		return nil, err
	}

	// Retention is housekeeping: a prune failure never fails the backup.
	pruned, pruneErr := s.pruneBackups()
	if pruneErr != nil {
		log.Printf("WARNING: backup retention pruning failed: %v", pruneErr)
		fields["prune_error"] = pruneErr.Error()
	}
	if pruned > 0 {
		fields["pruned"] = pruned
	}

	fields["backup_id"] = record.BackupID
	fields["name"] = name
	fields["size"] = len(encrypted)
	fields["key_count"] = payload.KeyCount
	fields["secret_count"] = payload.SecretCount
	s.manager.logProtocol(requestID, ProtocolBackupCreate, nil, fields, start)

	return record, nil
}

// RestoreBackup loads, decrypts and structurally validates a stored backup
// before anything touches live state. With ValidateOnly it stops there and
// returns the summary. A destructive restore requires Overwrite, runs inside
// maintenance mode, and always exits maintenance afterwards, success or
// failure. Both container imports verify every wrapped key against the
// current wrapping key before swapping anything in, so a restore under the
// wrong master key leaves live state untouched.
func (s *Service) RestoreBackup(name string, backupKey []byte, options RestoreOptions) (*BackupSummary, error) {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor: actorOrDefault(options.Actor, s.options.Actor),
		audit.FieldScope: name,
		"validate_only":  options.ValidateOnly,
	}

	record, payload, err := s.loadBackupPayload(name, backupKey)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolBackupRestore, err, fields, start)
		return nil, err
	}
	fields["backup_id"] = record.BackupID

	summary := &BackupSummary{
		BackupID:    record.BackupID,
		Type:        payload.Type,
		CreatedAt:   payload.CreatedAt,
		KeyCount:    payload.KeyCount,
		SecretCount: payload.SecretCount,
		Valid:       true,
	}

	if options.ValidateOnly {
		s.manager.logProtocol(requestID, ProtocolBackupRestore, nil, fields, start)
		return summary, nil
	}

	if !options.Overwrite {
		err = fmt.Errorf("destructive restore requires the overwrite option")
		s.manager.logProtocol(requestID, ProtocolBackupRestore, err, fields, start)
		return nil, err
	}

	if err = s.manager.EnterMaintenance("restoring backup " + record.BackupID); err != nil {
		s.manager.logProtocol(requestID, ProtocolBackupRestore, err, fields, start)
		return nil, err
	}
	defer func() {
		if exitErr := s.manager.ExitMaintenance(); exitErr != nil {
			log.Printf("WARNING: failed to exit maintenance after restore: %v", exitErr)
		}
	}()

	debug.Print("Restoring backup %s: %d keys, %d secrets\n",
		record.BackupID, payload.KeyCount, payload.SecretCount)

	if len(payload.Keyring) > 0 {
		if err = s.manager.keystore().importContainer(payload.Keyring); err != nil {
			err = fmt.Errorf("failed to restore keyring: %w", err)
			s.manager.logProtocol(requestID, ProtocolBackupRestore, err, fields, start)
			return nil, err
		}
	}
	if len(payload.Secrets) > 0 {
		if err = s.manager.secretstore().importContainer(payload.Secrets); err != nil {
			err = fmt.Errorf("failed to restore secrets: %w", err)
			s.manager.logProtocol(requestID, ProtocolBackupRestore, err, fields, start)
			return nil, err
		}
	}

	s.cache.Flush()
	debug.Print("Restore of backup %s complete\n", record.BackupID)

	fields["overwritten"] = true
	s.manager.logProtocol(requestID, ProtocolBackupRestore, nil, fields, start)
	return summary, nil
}

// VerifyBackup decrypts and validates a backup without touching live state.
// It never requires the live vault to match the backup and works against a
// sealed vault.
func (s *Service) VerifyBackup(name string, backupKey []byte) (*BackupSummary, error) {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor: s.options.Actor,
		audit.FieldScope: name,
	}

	record, payload, err := s.loadBackupPayload(name, backupKey)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolBackupVerify, err, fields, start)
		return nil, err
	}

	fields["backup_id"] = record.BackupID
	s.manager.logProtocol(requestID, ProtocolBackupVerify, nil, fields, start)

	return &BackupSummary{
		BackupID:    record.BackupID,
		Type:        payload.Type,
		CreatedAt:   payload.CreatedAt,
		KeyCount:    payload.KeyCount,
		SecretCount: payload.SecretCount,
		Valid:       true,
	}, nil
}

// ListBackups inventories stored backups, newest first. Works against any
// vault state; backup metadata reveals nothing sensitive.
func (s *Service) ListBackups() ([]persist.BackupRecordInfo, error) {
	infos, err := s.store.ListBackups()
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// buildBackupPayload snapshots the planes selected by the backup type.
// Callers hold an access token and the rotation read lock.
func (s *Service) buildBackupPayload(backupType BackupType) (*backupPayload, error) {
	keys := s.manager.keystore()
	secrets := s.manager.secretstore()

	payload := &backupPayload{
		Version:   backupFormatVersion,
		Type:      backupType,
		CreatedAt: time.Now().UTC(),
	}

	total, _ := keys.keyCount()
	payload.KeyCount = total
	payload.SecretCount = secrets.serverCount()

	if backupType != BackupSecretsOnly {
		ring, err := keys.exportContainer()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot keyring: %w", err)
		}
		payload.Keyring = ring
	}
	if backupType != BackupKeysOnly {
		ledger, err := secrets.exportContainer()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot secrets: %w", err)
		}
		payload.Secrets = ledger
	}
	return payload, nil
}

// loadBackupPayload fetches a backup record and walks it back to the
// cleartext payload: checksum, decrypt, decompress, parse, validate. It
// needs no live vault state, only the backup key.
func (s *Service) loadBackupPayload(name string, backupKey []byte) (*persist.BackupRecord, *backupPayload, error) {
	record, err := s.store.LoadBackup(name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load backup %s: %w", name, err)
	}

	encrypted, err := base64.StdEncoding.DecodeString(record.EncryptedData)
	if err != nil {
		return nil, nil, fmt.Errorf("backup data is not valid base64: %w", ErrBackupIntegrity)
	}
	if crypto.CalculateChecksum(encrypted) != record.Checksum {
		return nil, nil, fmt.Errorf("checksum mismatch: %w", ErrBackupIntegrity)
	}

	compressed, err := crypto.DecryptWithPassphrase(encrypted, backupKey)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			return nil, nil, fmt.Errorf("backup did not decrypt (wrong backup key or corruption): %w", ErrAuthenticationFailed)
		}
		return nil, nil, fmt.Errorf("malformed backup data: %w", ErrBackupIntegrity)
	}
	defer memguard.WipeBytes(compressed)

	payloadJSON, err := gzipDecompress(compressed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decompress backup: %w", ErrBackupIntegrity)
	}
	defer memguard.WipeBytes(payloadJSON)

	var payload backupPayload
	if err = json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, nil, fmt.Errorf("failed to parse backup payload: %w", ErrBackupIntegrity)
	}
	if err = validateBackupPayload(&payload); err != nil {
		return nil, nil, err
	}
	return record, &payload, nil
}

// validateBackupPayload checks structure before any restore decision: known
// format version, known type, a timestamp, and the data sections the type
// promises.
func validateBackupPayload(payload *backupPayload) error {
	if payload.Version != backupFormatVersion {
		return fmt.Errorf("unsupported backup format version %q: %w", payload.Version, ErrBackupIntegrity)
	}
	if payload.CreatedAt.IsZero() {
		return fmt.Errorf("backup carries no timestamp: %w", ErrBackupIntegrity)
	}

	switch payload.Type {
	case BackupFull:
		if len(payload.Keyring) == 0 || len(payload.Secrets) == 0 {
			return fmt.Errorf("full backup is missing a data section: %w", ErrBackupIntegrity)
		}
	case BackupKeysOnly:
		if len(payload.Keyring) == 0 {
			return fmt.Errorf("keys backup is missing the keyring section: %w", ErrBackupIntegrity)
		}
	case BackupSecretsOnly:
		if len(payload.Secrets) == 0 {
			return fmt.Errorf("secrets backup is missing the secrets section: %w", ErrBackupIntegrity)
		}
	default:
		return fmt.Errorf("unknown backup type %q: %w", payload.Type, ErrBackupIntegrity)
	}
	return nil
}

func validateBackupOptions(options BackupOptions, backupKey []byte) error {
	switch options.Type {
	case BackupFull, BackupKeysOnly, BackupSecretsOnly:
	default:
		return fmt.Errorf("unknown backup type %q", options.Type)
	}
	if options.Format != "" && options.Format != "json" {
		return fmt.Errorf("unsupported backup format %q", options.Format)
	}
	if len(backupKey) < minBackupKeyLength {
		return fmt.Errorf("backup key must be at least %d bytes", minBackupKeyLength)
	}
	return nil
}

// pruneBackups deletes the oldest backups beyond the retention limit.
func (s *Service) pruneBackups() (int, error) {
	limit := s.options.MaxBackups
	if limit <= 0 {
		return 0, nil
	}

	infos, err := s.store.ListBackups()
	if err != nil {
		return 0, err
	}
	if len(infos) <= limit {
		return 0, nil
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})

	pruned := 0
	for _, info := range infos[limit:] {
		if err := s.store.DeleteBackup(info.BackupID); err != nil {
			return pruned, fmt.Errorf("failed to prune backup %s: %w", info.BackupID, err)
		}
		pruned++
	}
	return pruned, nil
}

// backupName derives the store name: timestamp, type and a short unique
// suffix so two backups in the same second cannot collide.
func backupName(record *persist.BackupRecord) string {
	shortID := record.BackupID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return fmt.Sprintf("vault-%s-%s-%s", record.CreatedAt.Format("20060102-150405"), record.Type, shortID)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress backup: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress backup: %w", err)
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return out, nil
}
