package persist

import (
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheep-shaker/Shugo-sub004/internal/crypto"
)

// testStoreImplementation drives every Store method against a concrete
// backend. Both backend tests share this suite.
func testStoreImplementation(t *testing.T, store Store) {
	keyringData := []byte("encrypted_keyring_blob")
	secretsData := []byte("encrypted_secrets_blob")
	itemsData := []byte("encrypted_items_blob")

	// Test data for backup operations
	payload := []byte("test-encrypted-backup-payload")
	encodedPayload := base64.StdEncoding.EncodeToString(payload)
	checksum := crypto.CalculateChecksum(payload)

	backupRecord := &BackupRecord{
		BackupID:         "test-backup-001",
		Type:             "full",
		CreatedAt:        time.Now(),
		VaultVersion:     "1.0.0",
		BackupVersion:    "1.0.0",
		EncryptionMethod: "pbkdf2-chacha20poly1305+gzip",
		EncryptedData:    encodedPayload,
		Checksum:         checksum,
	}

	// Health and connectivity tests
	t.Run("Ping", func(t *testing.T) {
		err := store.Ping()
		assert.NoError(t, err, "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		storeType := store.GetType()
		assert.NotEmpty(t, storeType, "Store type should not be empty")
		t.Logf("Store type: %s", storeType)
	})

	// Keyring operations
	var keyringVersion string
	t.Run("SaveKeyring", func(t *testing.T) {
		version, err := store.SaveKeyring(keyringData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		keyringVersion = version
	})

	t.Run("KeyringExists", func(t *testing.T) {
		exists, err := store.KeyringExists()
		require.NoError(t, err)
		assert.True(t, exists, "Keyring should exist after saving")
	})

	t.Run("LoadKeyring", func(t *testing.T) {
		versionedData, err := store.LoadKeyring()
		require.NoError(t, err)
		require.NotNil(t, versionedData)
		assert.Equal(t, keyringData, versionedData.Data, "Loaded keyring should match saved keyring")
		assert.Equal(t, keyringVersion, versionedData.Version, "Version should match")
		assert.False(t, versionedData.Timestamp.IsZero(), "Timestamp should be set")
	})

	// Secrets operations
	var secretsVersion string
	t.Run("SaveSecrets", func(t *testing.T) {
		version, err := store.SaveSecrets(secretsData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		secretsVersion = version
	})

	t.Run("SecretsExist", func(t *testing.T) {
		exists, err := store.SecretsExist()
		require.NoError(t, err)
		assert.True(t, exists, "Secrets should exist after saving")
	})

	t.Run("LoadSecrets", func(t *testing.T) {
		versionedData, err := store.LoadSecrets()
		require.NoError(t, err)
		require.NotNil(t, versionedData)
		assert.Equal(t, secretsData, versionedData.Data, "Loaded secrets should match saved secrets")
		assert.Equal(t, secretsVersion, versionedData.Version, "Version should match")
		assert.False(t, versionedData.Timestamp.IsZero(), "Timestamp should be set")
	})

	// Item operations
	var itemsVersion string
	t.Run("SaveItems", func(t *testing.T) {
		version, err := store.SaveItems(itemsData, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		itemsVersion = version
	})

	t.Run("ItemsExist", func(t *testing.T) {
		exists, err := store.ItemsExist()
		require.NoError(t, err)
		assert.True(t, exists, "Items should exist after saving")
	})

	t.Run("LoadItems", func(t *testing.T) {
		versionedData, err := store.LoadItems()
		require.NoError(t, err)
		require.NotNil(t, versionedData)
		assert.Equal(t, itemsData, versionedData.Data, "Loaded items should match saved items")
		assert.Equal(t, itemsVersion, versionedData.Version, "Version should match")
	})

	// Optimistic locking tests
	t.Run("OptimisticLocking", func(t *testing.T) {
		t.Run("VersionConflict", func(t *testing.T) {
			version1, err := store.SaveKeyring(keyringData, "")
			require.NoError(t, err)
			require.NotEmpty(t, version1)

			versionedData, err := store.LoadKeyring()
			require.NoError(t, err)
			require.NotEmpty(t, versionedData.Version)

			// Save with current version (this should succeed)
			modifiedData := []byte("modified_encrypted_keyring_blob")
			version2, err := store.SaveKeyring(modifiedData, versionedData.Version)
			require.NoError(t, err)
			require.NotEmpty(t, version2)
			require.NotEqual(t, version1, version2)

			// Now try to save again with the stale version (this must fail)
			_, err = store.SaveKeyring([]byte("third_keyring_blob"), version1)
			require.Error(t, err, "Should return an error for version conflict")

			var concurrencyErr ConcurrencyError
			if assert.ErrorAs(t, err, &concurrencyErr) {
				assert.Equal(t, version1, concurrencyErr.ExpectedVersion)
				assert.Equal(t, version2, concurrencyErr.ActualVersion)
			}
		})

		t.Run("ValidVersion", func(t *testing.T) {
			version1, err := store.SaveSecrets(secretsData, "")
			require.NoError(t, err)

			versionedData, err := store.LoadSecrets()
			require.NoError(t, err)

			modifiedData := []byte("valid_version_update_blob")
			version2, err := store.SaveSecrets(modifiedData, versionedData.Version)
			require.NoError(t, err)
			require.NotEmpty(t, version2)
			require.NotEqual(t, version1, version2)

			loadedData, err := store.LoadSecrets()
			require.NoError(t, err)
			assert.Equal(t, version2, loadedData.Version)
			assert.Equal(t, modifiedData, loadedData.Data)
		})

		t.Run("EmptyVersionAlwaysWrites", func(t *testing.T) {
			version, err := store.SaveItems(itemsData, "")
			require.NoError(t, err)
			require.NotEmpty(t, version)
		})
	})

	// Backup operations
	t.Run("BackupOperations", func(t *testing.T) {
		backupName := "test-backup-record"

		t.Run("SaveBackup", func(t *testing.T) {
			err := store.SaveBackup(backupName, backupRecord)
			require.NoError(t, err)
		})

		t.Run("ListBackups", func(t *testing.T) {
			backups, err := store.ListBackups()
			require.NoError(t, err)
			assert.NotEmpty(t, backups, "Should have at least one backup after saving")

			found := false
			for _, backup := range backups {
				if backup.BackupID == backupRecord.BackupID {
					found = true
					assert.Equal(t, backupRecord.VaultVersion, backup.VaultVersion)
					assert.Equal(t, backupRecord.BackupVersion, backup.BackupVersion)
					assert.Equal(t, backupRecord.Type, backup.Type)
					assert.True(t, backup.IsValid, "Backup should be marked as valid")
					assert.True(t, backup.FileSize > 0, "File size should be greater than 0")
					break
				}
			}
			assert.True(t, found, "Saved backup should be found in backup list")
		})

		t.Run("LoadBackup", func(t *testing.T) {
			loaded, err := store.LoadBackup(backupName)
			require.NoError(t, err)
			require.NotNil(t, loaded)

			assert.Equal(t, backupRecord.BackupID, loaded.BackupID)
			assert.Equal(t, backupRecord.Type, loaded.Type)
			assert.Equal(t, backupRecord.VaultVersion, loaded.VaultVersion)
			assert.Equal(t, backupRecord.BackupVersion, loaded.BackupVersion)
			assert.Equal(t, backupRecord.EncryptionMethod, loaded.EncryptionMethod)
			assert.Equal(t, backupRecord.Checksum, loaded.Checksum)
			assert.Equal(t, backupRecord.EncryptedData, loaded.EncryptedData)
		})

		t.Run("DeleteBackup", func(t *testing.T) {
			backupsBeforeDelete, err := store.ListBackups()
			require.NoError(t, err)

			err = store.DeleteBackup(backupRecord.BackupID)
			require.NoError(t, err, "DeleteBackup should succeed")

			backupsAfterDelete, err := store.ListBackups()
			require.NoError(t, err)

			for _, backup := range backupsAfterDelete {
				assert.NotEqual(t, backupRecord.BackupID, backup.BackupID,
					"Deleted backup should not be found in backup list")
			}
			assert.Equal(t, len(backupsBeforeDelete)-1, len(backupsAfterDelete),
				"Backup count should decrease by 1 after deletion")
		})

		t.Run("LoadNonexistentBackup", func(t *testing.T) {
			_, err := store.LoadBackup("nonexistent-backup")
			assert.Error(t, err, "Loading nonexistent backup should return error")
		})

		t.Run("DeleteNonexistentBackup", func(t *testing.T) {
			err := store.DeleteBackup("nonexistent-backup-id")
			assert.Error(t, err, "Deleting nonexistent backup should return error")
		})

		t.Run("CorruptedBackupIsInvalid", func(t *testing.T) {
			tampered := &BackupRecord{
				BackupID:         "tampered-backup",
				Type:             "full",
				CreatedAt:        time.Now(),
				VaultVersion:     "1.0.0",
				BackupVersion:    "1.0.0",
				EncryptionMethod: "pbkdf2-chacha20poly1305+gzip",
				EncryptedData:    encodedPayload,
				Checksum:         crypto.CalculateChecksum([]byte("something else")),
			}

			err := store.SaveBackup("tampered-backup", tampered)
			require.NoError(t, err)

			// Loading must refuse a record whose checksum does not match
			_, err = store.LoadBackup("tampered-backup")
			assert.Error(t, err, "Loading a backup with a bad checksum should fail")

			_ = store.DeleteBackup("tampered-backup")
		})
	})

	// Concurrent writers must never corrupt a plane; the losers either
	// succeed sequentially (empty version forces the write) or fail with
	// a version conflict, but the stored data is always one whole write.
	t.Run("ConcurrentWrites", func(t *testing.T) {
		const writers = 8

		var wg sync.WaitGroup
		wg.Add(writers)
		for i := 0; i < writers; i++ {
			go func(n int) {
				defer wg.Done()
				data := []byte{byte(n), byte(n), byte(n), byte(n)}
				_, _ = store.SaveItems(data, "")
			}(i)
		}
		wg.Wait()

		loaded, err := store.LoadItems()
		require.NoError(t, err)
		require.Len(t, loaded.Data, 4, "A whole single write must win")
		for _, b := range loaded.Data[1:] {
			assert.Equal(t, loaded.Data[0], b, "Stored data must come from one writer")
		}
	})

	t.Run("EmptyDataRejected", func(t *testing.T) {
		_, err := store.SaveKeyring(nil, "")
		assert.Error(t, err, "Saving empty keyring should fail")

		_, err = store.SaveSecrets([]byte{}, "")
		assert.Error(t, err, "Saving empty secrets should fail")
	})
}
