package persist

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sheep-shaker/Shugo-sub004/internal/crypto"
	"github.com/sheep-shaker/Shugo-sub004/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	// BackupFileExtension marks backup records on disk
	BackupFileExtension = ".vbk"
)

// FileSystemStore implements Store on a local directory with optimistic
// concurrency control based on content hashes.
type FileSystemStore struct {
	basePath    string
	backupsDir  string // basePath/backups/
	tempDir     string // basePath/temp/
	configFile  string // basePath/vault.json
	keyringFile string // basePath/keyring.meta - encrypted keyring
	secretsFile string // basePath/secrets.meta - encrypted satellite secrets
	itemsFile   string // basePath/items.meta   - encrypted item collection
}

// VaultConfig represents the store-level configuration and bookkeeping
type VaultConfig struct {
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	Structure   string    `json:"structure_version"`
	Description string    `json:"description,omitempty"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:    basePath,
		backupsDir:  filepath.Join(basePath, "backups"),
		tempDir:     filepath.Join(basePath, "temp"),
		configFile:  filepath.Join(basePath, "vault.json"),
		keyringFile: filepath.Join(basePath, "keyring.meta"),
		secretsFile: filepath.Join(basePath, "secrets.meta"),
		itemsFile:   filepath.Join(basePath, "items.meta"),
	}

	// Create necessary directories
	dirs := []string{
		fs.basePath,
		fs.backupsDir,
		fs.tempDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeVaultConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize vault config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) initializeVaultConfig() error {
	if _, err := os.Stat(fs.configFile); os.IsNotExist(err) {
		config := VaultConfig{
			Version:    "1.0.0",
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.configFile, data, FilePermissions)
	}
	return nil
}

// Keyring operations

func (fs *FileSystemStore) SaveKeyring(encryptedKeyring []byte, expectedVersion string) (string, error) {
	return fs.saveVersionedFile(fs.keyringFile, encryptedKeyring, expectedVersion, "SaveKeyring")
}

func (fs *FileSystemStore) LoadKeyring() (*VersionedData, error) {
	return fs.loadVersionedFile(fs.keyringFile, "keyring")
}

func (fs *FileSystemStore) KeyringExists() (bool, error) {
	return fileExists(fs.keyringFile)
}

// Secrets operations

func (fs *FileSystemStore) SaveSecrets(encryptedSecrets []byte, expectedVersion string) (string, error) {
	return fs.saveVersionedFile(fs.secretsFile, encryptedSecrets, expectedVersion, "SaveSecrets")
}

func (fs *FileSystemStore) LoadSecrets() (*VersionedData, error) {
	return fs.loadVersionedFile(fs.secretsFile, "secrets")
}

func (fs *FileSystemStore) SecretsExist() (bool, error) {
	return fileExists(fs.secretsFile)
}

// Item operations

func (fs *FileSystemStore) SaveItems(encryptedItems []byte, expectedVersion string) (string, error) {
	return fs.saveVersionedFile(fs.itemsFile, encryptedItems, expectedVersion, "SaveItems")
}

func (fs *FileSystemStore) LoadItems() (*VersionedData, error) {
	return fs.loadVersionedFile(fs.itemsFile, "items")
}

func (fs *FileSystemStore) ItemsExist() (bool, error) {
	return fileExists(fs.itemsFile)
}

// saveVersionedFile writes one data plane with optimistic concurrency control
func (fs *FileSystemStore) saveVersionedFile(path string, data []byte, expectedVersion, operation string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%s: data cannot be empty", operation)
	}

	// Validate expected version if provided
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	if err := os.MkdirAll(fs.basePath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create vault directory: %w", err)
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	// Version derives from what was actually written
	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) loadVersionedFile(path, what string) (*VersionedData, error) {
	debug.Print("loadVersionedFile: reading %s from %s\n", what, path)

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s not found", what)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

// Backup operations

func (fs *FileSystemStore) SaveBackup(name string, record *BackupRecord) error {
	debug.Print("SaveBackup: called with name: %s\n", name)

	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("backup name cannot be empty or whitespace-only")
	}
	if strings.ContainsAny(name, "\x00") {
		return fmt.Errorf("backup name contains invalid characters")
	}

	backupPath := filepath.Clean(name)

	// Simple names land in the backups directory
	if !filepath.IsAbs(backupPath) && !strings.Contains(backupPath, string(os.PathSeparator)) {
		backupPath = filepath.Join(fs.backupsDir, backupPath)
	}

	if !strings.HasSuffix(backupPath, BackupFileExtension) {
		backupPath += BackupFileExtension
	}

	if stat, err := os.Stat(backupPath); err == nil && stat.IsDir() {
		return fmt.Errorf("cannot create backup file %s: path is an existing directory", backupPath)
	}

	if err := fs.validateBackupPath(backupPath); err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(backupPath), DirPermissions); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	recordData, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup record: %w", err)
	}

	if err = writeSecureFile(backupPath, recordData, FilePermissions); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	debug.Print("SaveBackup: backup written to %s\n", backupPath)
	return nil
}

// validateBackupPath performs additional validation on the backup path
func (fs *FileSystemStore) validateBackupPath(backupPath string) error {
	if len(backupPath) > 4096 {
		return fmt.Errorf("path too long (max 4096 characters)")
	}

	// Clean the path and check for directory traversal attempts
	cleanPath := filepath.Clean(backupPath)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal")
	}

	if runtime.GOOS != "windows" {
		systemPaths := []string{"/etc/", "/bin/", "/sbin/", "/usr/bin/", "/usr/sbin/", "/boot/"}
		for _, sysPath := range systemPaths {
			if strings.HasPrefix(cleanPath, sysPath) {
				return fmt.Errorf("cannot create backup in system directory")
			}
		}
	}

	if runtime.GOOS == "windows" {
		upperPath := strings.ToUpper(cleanPath)
		windowsSystemPaths := []string{"C:\\WINDOWS\\", "C:\\PROGRAM FILES\\", "C:\\PROGRAM FILES (X86)\\"}
		for _, sysPath := range windowsSystemPaths {
			if strings.HasPrefix(upperPath, sysPath) {
				return fmt.Errorf("cannot create backup in system directory")
			}
		}
	}

	return nil
}

func (fs *FileSystemStore) LoadBackup(name string) (*BackupRecord, error) {
	debug.Print("LoadBackup: called with name: %s\n", name)

	var fullPath string
	if filepath.IsAbs(name) {
		fullPath = name
	} else {
		fullPath = filepath.Join(fs.backupsDir, name)
	}

	if !strings.HasSuffix(fullPath, BackupFileExtension) {
		fullPath += BackupFileExtension
	}

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("backup file %s does not exist", fullPath)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	var record BackupRecord
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse backup file: %w", err)
	}

	if isValid, validationError := validateBackupRecord(&record); !isValid {
		return nil, fmt.Errorf("invalid backup file: %s", validationError)
	}

	return &record, nil
}

func (fs *FileSystemStore) DeleteBackup(backupID string) error {
	if _, err := os.Stat(fs.backupsDir); os.IsNotExist(err) {
		return fmt.Errorf("backups directory does not exist")
	}

	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		return fmt.Errorf("failed to read backups directory: %w", err)
	}

	// Search the backup files for the matching ID
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(fs.backupsDir, entry.Name())

		data, err := os.ReadFile(filePath)
		if err != nil {
			debug.Print("DeleteBackup: failed to read %s: %v\n", entry.Name(), err)
			continue
		}

		var record BackupRecord
		if err := json.Unmarshal(data, &record); err != nil {
			debug.Print("DeleteBackup: failed to parse %s: %v\n", entry.Name(), err)
			continue
		}

		if record.BackupID == backupID {
			if err := os.Remove(filePath); err != nil {
				return fmt.Errorf("failed to delete backup file %s: %w", entry.Name(), err)
			}
			return nil
		}
	}

	return fmt.Errorf("backup %s does not exist", backupID)
}

func (fs *FileSystemStore) ListBackups() ([]BackupRecordInfo, error) {
	if _, err := os.Stat(fs.backupsDir); os.IsNotExist(err) {
		return []BackupRecordInfo{}, nil
	}

	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var backups []BackupRecordInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), BackupFileExtension) {
			continue
		}

		filePath := filepath.Join(fs.backupsDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			debug.Print("ListBackups: failed to stat %s: %v\n", entry.Name(), err)
			continue
		}

		data, err := os.ReadFile(filePath)
		if err != nil {
			debug.Print("ListBackups: failed to read %s: %v\n", entry.Name(), err)
			continue
		}

		var record BackupRecord
		if err := json.Unmarshal(data, &record); err != nil {
			// Unreadable records still appear in the inventory, flagged invalid
			backups = append(backups, BackupRecordInfo{
				BackupID:  strings.TrimSuffix(entry.Name(), BackupFileExtension),
				CreatedAt: info.ModTime(),
				FileSize:  info.Size(),
				IsValid:   false,
				StorePath: entry.Name(),
			})
			continue
		}

		isValid, validationError := validateBackupRecord(&record)
		if !isValid {
			debug.Print("ListBackups: backup %s is invalid: %s\n", entry.Name(), validationError)
		}

		backups = append(backups, BackupRecordInfo{
			BackupID:         record.BackupID,
			Type:             record.Type,
			CreatedAt:        record.CreatedAt,
			VaultVersion:     record.VaultVersion,
			BackupVersion:    record.BackupVersion,
			EncryptionMethod: record.EncryptionMethod,
			Checksum:         record.Checksum,
			FileSize:         info.Size(),
			IsValid:          isValid,
			StorePath:        entry.Name(),
		})
	}

	return backups, nil
}

// validateBackupRecord checks required fields and the payload checksum
func validateBackupRecord(record *BackupRecord) (bool, string) {
	if record.BackupID == "" {
		return false, "missing BackupID"
	}
	if record.EncryptedData == "" {
		return false, "missing EncryptedData"
	}
	if record.Checksum == "" {
		return false, "missing Checksum"
	}

	encryptedData, err := base64.StdEncoding.DecodeString(record.EncryptedData)
	if err != nil {
		return false, fmt.Sprintf("invalid base64 in EncryptedData: %v", err)
	}

	actualChecksum := crypto.CalculateChecksum(encryptedData)
	if actualChecksum != record.Checksum {
		return false, fmt.Sprintf("checksum mismatch - expected: %s, actual: %s",
			record.Checksum, actualChecksum)
	}

	return true, ""
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.configFile); err == nil {
		var config VaultConfig
		if err := json.Unmarshal(configData, &config); err == nil {
			config.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(config, "", "  "); err == nil {
				_ = writeSecureFile(fs.configFile, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

// Helper methods for versioning support
func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Use MD5 hash of file contents as version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// writeSecureFile writes atomically: temp file, sync, chmod, rename.
// Readers never observe a partially written vault file.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
