package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var emergencyCmd = &cobra.Command{
	Use:   "emergency",
	Short: "Manage emergency access code tables",
	Long: `Manage paper-backup emergency access tables: 100 single-use codes per
series, distributed physically and used when normal authentication is down.`,
}

var emergencyGenerateCmd = &cobra.Command{
	Use:   "generate <scope>",
	Short: "Generate a new emergency code table",
	Long: `Generate a pending table of 100 single-use codes for a geographic scope,
plus its series and master codes. The codes are printed exactly once; the
vault keeps only hashes. Activate the table to put it into service.`,
	Args: cobra.ExactArgs(1),
	RunE: runEmergencyGenerate,
}

var emergencyActivateCmd = &cobra.Command{
	Use:   "activate <series-id>",
	Short: "Activate a pending emergency table",
	Long:  `Promote a pending table to active, revoking any previously active table for the same scope.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runEmergencyActivate,
}

var emergencyValidateCmd = &cobra.Command{
	Use:   "validate <series-id> <position>",
	Short: "Validate an emergency code",
	Long: `Validate one emergency code against an active series. The master code and
the position's code are prompted for, never passed on the command line.`,
	Args: cobra.ExactArgs(2),
	RunE: runEmergencyValidate,
}

var emergencyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List emergency code series",
	RunE:  runEmergencyList,
}

var emergencyJSON bool

func init() {
	rootCmd.AddCommand(emergencyCmd)

	emergencyCmd.AddCommand(emergencyGenerateCmd)
	emergencyCmd.AddCommand(emergencyActivateCmd)
	emergencyCmd.AddCommand(emergencyValidateCmd)
	emergencyCmd.AddCommand(emergencyListCmd)

	emergencyListCmd.Flags().BoolVar(&emergencyJSON, "json", false, "Output in JSON format")
}

func runEmergencyGenerate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	scope := args[0]

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	table, err := service.GenerateEmergencyTable(scope, currentActor())
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to generate emergency table: %w", err), started)
	}

	fmt.Printf("Emergency table generated for scope %q. Status: %s\n\n", table.Scope, table.Status)
	fmt.Printf("Series ID:   %s\n", table.SeriesID)
	fmt.Printf("Master code: %s\n\n", table.MasterCode)
	fmt.Println("Codes (shown once; print this sheet and store it offline):")

	// Three columns side by side, the way the printed sheet is laid out.
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintf(w, "COLUMN A\tCOLUMN B\tCOLUMN C\n")
	var colA, colB, colC []string
	for _, code := range table.Codes {
		entry := fmt.Sprintf("%s %s", code.Position, code.Code)
		switch code.Position[0] {
		case 'A':
			colA = append(colA, entry)
		case 'B':
			colB = append(colB, entry)
		default:
			colC = append(colC, entry)
		}
	}
	for i := 0; i < len(colC); i++ {
		a, b, c := "", "", colC[i]
		if i < len(colA) {
			a = colA[i]
		}
		if i < len(colB) {
			b = colB[i]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", a, b, c)
	}
	w.Flush()

	fmt.Println("\nThe table is pending. Run 'shugo emergency activate' once the sheet is distributed.")
	return auditCmdComplete(cmd, nil, started)
}

func runEmergencyActivate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	seriesID := args[0]

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Println("Activating this series revokes any currently active table for its scope.")
	if !promptConfirmation("Continue?") {
		fmt.Println("Activation cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err := service.ActivateEmergencyTable(seriesID, currentActor()); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to activate emergency table: %w", err), started)
	}

	fmt.Printf("Series %s is now active.\n", seriesID)
	return auditCmdComplete(cmd, nil, started)
}

func runEmergencyValidate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	seriesID := args[0]
	position := strings.ToUpper(args[1])

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	masterCode, err := promptSecret("Master code: ")
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	code, err := promptSecret(fmt.Sprintf("Code for position %s: ", position))
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	result, err := service.ValidateEmergencyCode(seriesID, masterCode, position, code, "cli")
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("emergency code validation failed: %w", err), started)
	}

	fmt.Printf("Code accepted. Position %s is now used.\n", result.Position)
	fmt.Printf("Used %d of 100 codes; %d remaining.\n", result.UsedCount, result.Remaining)
	if result.ReplacementRecommended {
		fmt.Println("This table is nearly exhausted. Generate and distribute a replacement.")
	}

	return auditCmdComplete(cmd, nil, started)
}

func runEmergencyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if err := unseal(); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	series, err := service.ListEmergencySeries()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list emergency series: %w", err), started)
	}

	if emergencyJSON {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(series), started)
	}

	if len(series) == 0 {
		fmt.Println("No emergency series found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SERIES\tSCOPE\tSTATUS\tUSED\tREMAINING\tCREATED\n")
	for _, s := range series {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.SeriesID,
			s.Scope,
			s.Status,
			s.UsedCount,
			s.Remaining,
			s.CreatedAt.Format(time.RFC3339),
		)
	}

	return auditCmdComplete(cmd, w.Flush(), started)
}

// promptSecret reads one line from stdin. Codes are short and single-use, so
// terminal echo is acceptable; they never appear in argv or the audit trail.
func promptSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
