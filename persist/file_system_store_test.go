package persist

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheep-shaker/Shugo-sub004/internal/crypto"
)

func TestFileSystemStore(t *testing.T) {
	t.Run("runFileSystemStoreTest", func(t *testing.T) {
		runFileSystemStoreTest(t)
	})
}

func runFileSystemStoreTest(t *testing.T) {
	// Get configuration from environment or use defaults
	baseDir := os.Getenv("FS_BASE_DIR")
	if baseDir == "" {
		// Create a temporary directory for testing
		tempDir, err := os.MkdirTemp("", "shugo-fs-test-*")
		if err != nil {
			t.Fatalf("Failed to create temporary directory: %v", err)
		}
		baseDir = tempDir
	}

	// Ensure we have a clean test directory
	testDir := filepath.Join(baseDir, "test-run")
	if err := os.RemoveAll(testDir); err != nil {
		t.Logf("Warning: Failed to clean test directory: %v", err)
	}

	t.Logf("Configuring FileSystemStore with baseDir: %s", testDir)

	store, err := NewFileSystemStore(testDir)
	if err != nil {
		t.Fatalf("Failed to create FileSystemStore: %v", err)
	}

	// Clean up after test - remove the test directory
	defer func() {
		if err = cleanupFileSystemStore(testDir); err != nil {
			t.Logf("Warning: Failed to cleanup filesystem store: %v", err)
		}
	}()

	// Run the generic store tests
	testStoreImplementation(t, store)
}

func TestFileSystemStoreCreation(t *testing.T) {
	t.Run("EmptyBasePath", func(t *testing.T) {
		_, err := NewFileSystemStore("")
		assert.Error(t, err, "Empty base path should be rejected")
	})

	t.Run("CreatesDirectoryLayout", func(t *testing.T) {
		tempDir, err := os.MkdirTemp("", "shugo-fs-test-*")
		require.NoError(t, err)
		defer func() { _ = cleanupFileSystemStore(tempDir) }()

		base := filepath.Join(tempDir, "vault")
		store, err := NewFileSystemStore(base)
		require.NoError(t, err)
		defer store.Close()

		for _, dir := range []string{base, filepath.Join(base, "backups"), filepath.Join(base, "temp")} {
			info, statErr := os.Stat(dir)
			require.NoError(t, statErr, "Directory %s should exist", dir)
			assert.True(t, info.IsDir())
		}

		// The vault manifest is written on creation
		_, err = os.Stat(filepath.Join(base, "vault.json"))
		assert.NoError(t, err, "Vault manifest should exist")
	})

	t.Run("FromConfig", func(t *testing.T) {
		tempDir, err := os.MkdirTemp("", "shugo-fs-test-*")
		require.NoError(t, err)
		defer func() { _ = cleanupFileSystemStore(tempDir) }()

		store, err := NewFileSystemStoreFromConfig(StoreConfig{
			Type: StoreTypeFileSystem,
			Config: map[string]interface{}{
				"base_path": tempDir,
			},
		})
		require.NoError(t, err)
		defer store.Close()

		assert.Equal(t, string(StoreTypeFileSystem), store.GetType())
	})

	t.Run("FromConfigMissingBasePath", func(t *testing.T) {
		_, err := NewFileSystemStoreFromConfig(StoreConfig{
			Type:   StoreTypeFileSystem,
			Config: map[string]interface{}{},
		})
		assert.Error(t, err, "Missing base_path should be rejected")
	})
}

func TestFileSystemStoreFreshState(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "shugo-fs-test-*")
	require.NoError(t, err)
	defer func() { _ = cleanupFileSystemStore(tempDir) }()

	store, err := NewFileSystemStore(tempDir)
	require.NoError(t, err)
	defer store.Close()

	t.Run("LoadBeforeSave", func(t *testing.T) {
		_, err := store.LoadKeyring()
		assert.Error(t, err, "Loading keyring from a fresh store should fail")

		_, err = store.LoadSecrets()
		assert.Error(t, err, "Loading secrets from a fresh store should fail")

		_, err = store.LoadItems()
		assert.Error(t, err, "Loading items from a fresh store should fail")
	})

	t.Run("ExistsBeforeSave", func(t *testing.T) {
		exists, err := store.KeyringExists()
		require.NoError(t, err)
		assert.False(t, exists)

		exists, err = store.SecretsExist()
		require.NoError(t, err)
		assert.False(t, exists)

		exists, err = store.ItemsExist()
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("ListBackupsEmpty", func(t *testing.T) {
		backups, err := store.ListBackups()
		require.NoError(t, err)
		assert.Empty(t, backups, "Fresh store should have no backups")
	})
}

func TestFileSystemStoreBackupNaming(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "shugo-fs-test-*")
	require.NoError(t, err)
	defer func() { _ = cleanupFileSystemStore(tempDir) }()

	store, err := NewFileSystemStore(tempDir)
	require.NoError(t, err)
	defer store.Close()

	payload := []byte("backup-naming-payload")
	record := &BackupRecord{
		BackupID:         "naming-test",
		Type:             "full",
		VaultVersion:     "1.0.0",
		BackupVersion:    "1.0.0",
		EncryptionMethod: "pbkdf2-chacha20poly1305+gzip",
		EncryptedData:    base64.StdEncoding.EncodeToString(payload),
		Checksum:         crypto.CalculateChecksum(payload),
	}

	t.Run("TraversalRejected", func(t *testing.T) {
		err := store.SaveBackup("../../etc/passwd", record)
		assert.Error(t, err, "Path traversal in backup names should be rejected")
	})

	t.Run("ExtensionAppended", func(t *testing.T) {
		err := store.SaveBackup("named-without-extension", record)
		require.NoError(t, err)

		entries, err := os.ReadDir(filepath.Join(tempDir, "backups"))
		require.NoError(t, err)

		found := false
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), "named-without-extension") &&
				strings.HasSuffix(entry.Name(), BackupFileExtension) {
				found = true
			}
		}
		assert.True(t, found, "Backup file should carry the %s extension", BackupFileExtension)
	})
}

// cleanupFileSystemStore removes the test directory and all its contents
func cleanupFileSystemStore(testDir string) error {
	if testDir == "" || testDir == "/" {
		return nil // Safety check - don't delete root or empty path
	}

	// Only clean up if it's a test directory
	if !filepath.IsAbs(testDir) {
		return nil
	}

	// Additional safety - ensure it contains "test" in the path
	if !containsTestIndicator(testDir) {
		return nil
	}

	return os.RemoveAll(testDir)
}

// containsTestIndicator checks if the path contains indicators that it's a test directory
func containsTestIndicator(path string) bool {
	lowercasePath := filepath.ToSlash(path)
	indicators := []string{"test", "tmp", "temp"}

	for _, indicator := range indicators {
		if filepath.Base(lowercasePath) == indicator ||
			filepath.Base(filepath.Dir(lowercasePath)) == indicator ||
			strings.Contains(lowercasePath, "/"+indicator+"/") ||
			strings.Contains(lowercasePath, "/"+indicator+"-") {
			return true
		}
	}
	return false
}
