package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize or unseal the vault",
	Long: `Unseal the vault with the configured master key. On first use this
bootstraps the keyring with a fresh active encryption key; afterwards it
verifies the master key against the stored keyring.`,
	RunE: runInit,
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Verify the master key and seal the vault",
	Long: `Unseal the vault with the configured master key and seal it again,
wiping all key material from process memory. Useful as a non-destructive
check that the configured master key still opens the stored keyring.`,
	RunE: runSeal,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(sealCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	existing, err := store.KeyringExists()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to probe store: %w", err), started)
	}

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	status := service.GetStatus()
	if existing {
		fmt.Println("Vault unsealed.")
	} else {
		fmt.Println("New vault initialized.")
	}
	fmt.Printf("Active key: %s\n", status.ActiveKeyVersion)
	if status.ActiveKeyExpiresAt != nil {
		fmt.Printf("Key expires: %s\n", status.ActiveKeyExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("Store: %s at %s\n", status.StoreType, vaultPath)

	return auditCmdComplete(cmd, nil, started)
}

func runSeal(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	if err := service.Seal(); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to seal vault: %w", err), started)
	}

	fmt.Println("Master key verified. Vault sealed; key material wiped from memory.")
	return auditCmdComplete(cmd, nil, started)
}
