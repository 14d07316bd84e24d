package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	shugo "github.com/sheep-shaker/Shugo-sub004"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage satellite server secrets",
	Long: `Manage the shared secrets that authenticate satellite servers to the
central server: listing, rotation with a grace window, and revocation.`,
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List server secrets",
	Long:  `List current-slot secret metadata for every registered server. Secret values are never shown.`,
	RunE:  runSecretList,
}

var secretRotateCmd = &cobra.Command{
	Use:   "rotate [server-id]",
	Short: "Rotate a server's shared secret",
	Long: `Generate a fresh shared secret for one server, or for every server with
--all. The new value is printed exactly once and cannot be retrieved again;
the previous secret keeps validating until the grace window is ended.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSecretRotate,
}

var secretRevokeCmd = &cobra.Command{
	Use:   "revoke <server-id>",
	Short: "Revoke a server's shared secret",
	Long:  `Erase a server's secret material, including any grace-window shadow. The server can no longer authenticate.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretRevoke,
}

var secretDiscardCmd = &cobra.Command{
	Use:   "discard-previous <server-id>",
	Short: "End a server's rotation grace window",
	Long:  `Discard the shadow copy of a server's previous secret so only the current value validates.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretDiscard,
}

var (
	secretsJSON      bool
	rotateAllServers bool
)

func init() {
	rootCmd.AddCommand(secretsCmd)

	secretsCmd.AddCommand(secretListCmd)
	secretsCmd.AddCommand(secretRotateCmd)
	secretsCmd.AddCommand(secretRevokeCmd)
	secretsCmd.AddCommand(secretDiscardCmd)

	secretListCmd.Flags().BoolVar(&secretsJSON, "json", false, "Output in JSON format")
	secretRotateCmd.Flags().BoolVar(&rotateAllServers, "all", false, "Rotate secrets for every live server")
}

func runSecretList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	secrets, err := service.ListSecrets()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list secrets: %w", err), started)
	}

	if secretsJSON {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(secrets), started)
	}

	if len(secrets) == 0 {
		fmt.Println("No server secrets registered.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SERVER\tSECRET ID\tSTATUS\tCREATED\tLAST USED\n")
	for _, secret := range secrets {
		lastUsed := "never"
		if secret.LastUsedAt != nil {
			lastUsed = secret.LastUsedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			secret.ServerID,
			secret.ID,
			secret.Status,
			secret.CreatedAt.Format("2006-01-02 15:04:05"),
			lastUsed,
		)
	}

	return auditCmdComplete(cmd, w.Flush(), started)
}

func runSecretRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if rotateAllServers == (len(args) == 1) {
		return auditCmdComplete(cmd, fmt.Errorf("provide either a server-id or --all"), started)
	}

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if rotateAllServers {
		result, err := service.RotateKey(shugo.RotationServerSecrets, currentActor(), "bulk secret rotation")
		// Partial results still carry freshly minted secrets; print them
		// before reporting the failure or they are lost for good.
		if result != nil && len(result.NewSecrets) > 0 {
			fmt.Printf("Rotated secrets for %d server(s). New values, shown once:\n\n", result.RotatedItems)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "SERVER\tNEW SECRET\n")
			for serverID, value := range result.NewSecrets {
				fmt.Fprintf(w, "%s\t%s\n", serverID, value)
			}
			w.Flush()
			fmt.Println("\nDistribute these to the servers now; they are not retrievable again.")
		}
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to rotate all secrets: %w", err), started)
		}
		return auditCmdComplete(cmd, nil, started)
	}

	serverID := args[0]
	value, err := service.RotateSecret(serverID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to rotate secret for %s: %w", serverID, err), started)
	}

	fmt.Printf("New secret for %s, shown once:\n\n  %s\n\n", serverID, value)
	fmt.Println("Distribute it to the server now; it is not retrievable again.")
	fmt.Println("The previous secret keeps validating until 'secrets discard-previous' runs.")

	return auditCmdComplete(cmd, nil, started)
}

func runSecretRevoke(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	serverID := args[0]

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("WARNING: Server %s will no longer be able to authenticate.\n", serverID)
	if !promptConfirmation("Revoke its secret?") {
		fmt.Println("Secret revocation cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err := service.RevokeSecret(serverID); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to revoke secret for %s: %w", serverID, err), started)
	}

	fmt.Printf("Secret for %s revoked and erased.\n", serverID)
	return auditCmdComplete(cmd, nil, started)
}

func runSecretDiscard(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	serverID := args[0]

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err := service.DiscardPreviousSecret(serverID); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to discard previous secret for %s: %w", serverID, err), started)
	}

	fmt.Printf("Grace window for %s ended; only the current secret validates now.\n", serverID)
	return auditCmdComplete(cmd, nil, started)
}
