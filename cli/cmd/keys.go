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

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
	Long:  `Manage the vault's versioned encryption keys: listing, rotation, revocation and rotation-need checks.`,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all key versions",
	Long:  `List every key version in the keyring with status, creation time, expiry and rotation lineage.`,
	RunE:  runKeyList,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the active encryption key",
	Long: `Generate a new key version, re-encrypt all stored items under it, activate
it and demote the previous active key to deprecated. Runs as one atomic unit:
a failure leaves the old key active and no item half-migrated.`,
	RunE: runKeyRotate,
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <version>",
	Short: "Permanently revoke a key version",
	Long: `Permanently erase a non-active key's material. Irreversible: any envelope
still pinned to this version becomes undecryptable.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyRevoke,
}

var keyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether rotation is recommended",
	Long:  `Report whether the active key is missing or inside its rotation grace window. Exit code 2 means rotation is recommended.`,
	RunE:  runKeyCheck,
}

var (
	keysJSON     bool
	rotateReason string
	rotateYes    bool
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyRotateCmd)
	keysCmd.AddCommand(keyRevokeCmd)
	keysCmd.AddCommand(keyCheckCmd)

	keyListCmd.Flags().BoolVar(&keysJSON, "json", false, "Output in JSON format")
	keyRotateCmd.Flags().StringVar(&rotateReason, "reason", "", "Reason recorded in the audit trail")
	keyRotateCmd.Flags().BoolVarP(&rotateYes, "yes", "y", false, "Skip the confirmation prompt")
	keyRevokeCmd.Flags().StringVar(&rotateReason, "reason", "", "Reason recorded in the audit trail")
}

func runKeyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	keys, err := service.ListKeys()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list keys: %w", err), started)
	}

	if keysJSON {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(keys), started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "VERSION\tSTATUS\tCREATED\tEXPIRES\tROTATED FROM\n")
	for _, key := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			key.Version,
			key.Status,
			key.CreatedAt.Format("2006-01-02 15:04:05"),
			key.ExpiresAt.Format("2006-01-02"),
			key.RotatedFrom,
		)
	}

	return auditCmdComplete(cmd, w.Flush(), started)
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if !rotateYes {
		fmt.Println("This will generate a new key and re-encrypt all stored items under it.")
		if !promptConfirmation("Continue?") {
			fmt.Println("Key rotation cancelled.")
			return auditCmdComplete(cmd, nil, started)
		}
	}

	fmt.Println("Starting key rotation...")

	result, err := service.RotateKey(shugo.RotationDataKey, currentActor(), rotateReason)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to rotate key: %w", err), started)
	}

	fmt.Println("Key rotation completed successfully.")
	fmt.Printf("New key version:    %s\n", result.NewKeyVersion)
	fmt.Printf("Previous version:   %s (deprecated)\n", result.OldKeyVersion)
	fmt.Printf("Re-encrypted items: %d\n", result.RotatedItems)
	fmt.Printf("Completed at:       %s\n", result.CompletedAt.Format(time.RFC3339))

	return auditCmdComplete(cmd, nil, started)
}

func runKeyRevoke(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	version := args[0]

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("WARNING: This will permanently erase key material for version %s.\n", version)
	fmt.Println("Any envelope still pinned to this version becomes unrecoverable.")
	fmt.Print("Are you absolutely sure? Type 'REVOKE' to confirm: ")

	var confirmation string
	_, _ = fmt.Scanln(&confirmation)

	if confirmation != "REVOKE" {
		fmt.Println("Key revocation cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err := service.RevokeKey(version, currentActor(), rotateReason); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to revoke key: %w", err), started)
	}

	fmt.Printf("Key version %s has been permanently revoked.\n", version)
	return auditCmdComplete(cmd, nil, started)
}

func runKeyCheck(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	needed, err := service.CheckRotationNeeded()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to check rotation: %w", err), started)
	}

	status := service.GetStatus()
	if needed {
		fmt.Println("Rotation recommended.")
		if status.ActiveKeyExpiresAt != nil {
			fmt.Printf("Active key %s expires %s.\n", status.ActiveKeyVersion, status.ActiveKeyExpiresAt.Format(time.RFC3339))
		}
		if err := auditCmdComplete(cmd, nil, started); err != nil {
			return err
		}
		// Exit code 2 lets cron wrappers chain a rotation run. The
		// PersistentPostRunE hook does not fire past os.Exit, so seal here.
		_ = service.Close()
		os.Exit(2)
	}

	fmt.Printf("No rotation needed. Active key: %s\n", status.ActiveKeyVersion)
	return auditCmdComplete(cmd, nil, started)
}
