package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	shugo "github.com/sheep-shaker/Shugo-sub004"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup and restore vault data",
	Long:  "Create encrypted backups of keyring and secret material, list and verify them, or restore from one.",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an encrypted backup",
	Long: `Snapshot the keyring and secrets ledger, compress and encrypt the snapshot
under the backup key and write it to the store. Backups beyond the retention
limit are pruned oldest first.`,
	RunE: runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored backups",
	RunE:  runBackupList,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Verify a backup without restoring it",
	Long:  `Decrypt and structurally validate a backup. Never touches live vault state; works sealed or unsealed.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupVerify,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore vault data from a backup",
	Long: `Restore keyring and secret material from a backup. Destructive: requires
--overwrite and holds the vault in maintenance for the duration. Use
--validate-only for a dry run that reports the backup's contents.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackupRestore,
}

var (
	backupKeyFlag   string
	backupType      string
	backupJSON      bool
	restoreValidate bool
	restoreForce    bool
)

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)

	backupCmd.PersistentFlags().StringVar(&backupKeyFlag, "backup-key", "", "backup encryption key (or use SHUGO_BACKUP_KEY env var)")
	backupCreateCmd.Flags().StringVar(&backupType, "type", "full", "backup type: full, keys_only or secrets_only")
	backupListCmd.Flags().BoolVar(&backupJSON, "json", false, "Output in JSON format")
	backupRestoreCmd.Flags().BoolVar(&restoreValidate, "validate-only", false, "Validate without mutating live state")
	backupRestoreCmd.Flags().BoolVar(&restoreForce, "overwrite", false, "Required for a destructive restore")
}

// resolveBackupKey reads the backup key from the flag or environment. It is
// independent of the master key: losing either loses the data it protects.
func resolveBackupKey() ([]byte, error) {
	key := backupKeyFlag
	if key == "" {
		key = os.Getenv("SHUGO_BACKUP_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("backup key is required. Use --backup-key or the SHUGO_BACKUP_KEY environment variable")
	}
	return []byte(key), nil
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	backupKey, err := resolveBackupKey()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err = unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	record, err := service.CreateBackup(backupKey, shugo.BackupOptions{
		Type:  shugo.BackupType(backupType),
		Actor: currentActor(),
	})
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to create backup: %w", err), started)
	}

	fmt.Println("Backup created successfully.")
	fmt.Printf("Backup ID:  %s\n", record.BackupID)
	fmt.Printf("Type:       %s\n", record.Type)
	fmt.Printf("Created at: %s\n", record.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Encryption: %s\n", record.EncryptionMethod)

	return auditCmdComplete(cmd, nil, started)
}

func runBackupList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	backups, err := service.ListBackups()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list backups: %w", err), started)
	}

	if backupJSON {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(backups), started)
	}

	if len(backups) == 0 {
		fmt.Println("No backups found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "BACKUP ID\tTYPE\tCREATED\tSIZE\tVALID\n")
	for _, info := range backups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\n",
			info.BackupID,
			info.Type,
			info.CreatedAt.Format("2006-01-02 15:04:05"),
			info.FileSize,
			info.IsValid,
		)
	}

	return auditCmdComplete(cmd, w.Flush(), started)
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	backupKey, err := resolveBackupKey()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	summary, err := service.VerifyBackup(args[0], backupKey)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("backup verification failed: %w", err), started)
	}

	fmt.Println("Backup is valid.")
	printBackupSummary(summary)
	return auditCmdComplete(cmd, nil, started)
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	backupKey, err := resolveBackupKey()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if restoreValidate {
		summary, err := service.RestoreBackup(args[0], backupKey, shugo.RestoreOptions{
			ValidateOnly: true,
			Actor:        currentActor(),
		})
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("backup validation failed: %w", err), started)
		}
		fmt.Println("Validation only; no data was changed.")
		printBackupSummary(summary)
		return auditCmdComplete(cmd, nil, started)
	}

	if !restoreForce {
		return auditCmdComplete(cmd, fmt.Errorf("a destructive restore requires --overwrite; use --validate-only for a dry run"), started)
	}

	if err = unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Println("WARNING: This will overwrite the live keyring and secret material.")
	fmt.Print("Continue? (yes/no): ")

	var response string
	_, _ = fmt.Scanln(&response)
	if response != "yes" {
		fmt.Println("Restore cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	summary, err := service.RestoreBackup(args[0], backupKey, shugo.RestoreOptions{
		Overwrite: true,
		Actor:     currentActor(),
	})
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to restore backup: %w", err), started)
	}

	fmt.Println("Backup restored successfully.")
	printBackupSummary(summary)
	return auditCmdComplete(cmd, nil, started)
}

func printBackupSummary(summary *shugo.BackupSummary) {
	fmt.Printf("Backup ID:  %s\n", summary.BackupID)
	fmt.Printf("Type:       %s\n", summary.Type)
	fmt.Printf("Created at: %s\n", summary.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Keys:       %d\n", summary.KeyCount)
	fmt.Printf("Secrets:    %d\n", summary.SecretCount)
}
