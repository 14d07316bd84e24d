package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheep-shaker/Shugo-sub004/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the security protocol log",
	Long:  `Inspect the security protocol log.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the security protocol log",
	Long: `Query and analyze the security protocol log.

Examples:
  # Recent events
  shugo audit query

  # Failures in the last 24 hours
  shugo audit query --failures --since 24h

  # Everything a specific actor did to one server's secret
  shugo audit query --actor alice --scope server-eu-1

  # Emergency access attempts, exported for compliance
  shugo audit query --emergency --json > emergency-report.json`,
	RunE: runAuditQuery,
}

var (
	auditSince     string
	auditProtocol  string
	auditActor     string
	auditScope     string
	auditSeries    string
	auditFailures  bool
	auditEmergency bool
	auditSummary   bool
	auditLimit     int
	auditJSON      bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)

	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "Only events newer than this duration (e.g. 24h, 7d is 168h)")
	auditQueryCmd.Flags().StringVar(&auditProtocol, "protocol", "", "Filter by protocol name (e.g. rotate_key)")
	auditQueryCmd.Flags().StringVar(&auditActor, "actor", "", "Filter by actor")
	auditQueryCmd.Flags().StringVar(&auditScope, "scope", "", "Filter by scope (server ID, item name, ...)")
	auditQueryCmd.Flags().StringVar(&auditSeries, "series", "", "Filter by emergency series ID")
	auditQueryCmd.Flags().BoolVar(&auditFailures, "failures", false, "Only failed operations")
	auditQueryCmd.Flags().BoolVar(&auditEmergency, "emergency", false, "Only emergency access events")
	auditQueryCmd.Flags().BoolVar(&auditSummary, "summary", false, "Show per-protocol statistics instead of events")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of events")
	auditQueryCmd.Flags().BoolVar(&auditJSON, "json", false, "Output in JSON format")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	// Queries go straight to the logger: the protocol log is readable
	// without unsealing the vault.
	result, err := auditLogger.Query(options)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to query audit log: %w", err), started)
	}

	if auditSummary {
		return auditCmdComplete(cmd, displayAuditSummary(result.Events), started)
	}

	if auditJSON {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(result), started)
	}

	if len(result.Events) == 0 {
		fmt.Println("No matching events.")
		fmt.Println("If audit logging is disabled, enable it with audit.enabled or --audit.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err = displayAuditEvents(result.Events); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if result.HasMore {
		fmt.Printf("\nShowing %d of %d matching events. Raise --limit to see more.\n",
			len(result.Events), result.Filtered)
	}

	return auditCmdComplete(cmd, nil, started)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Protocol:      auditProtocol,
		Actor:         auditActor,
		Scope:         auditScope,
		Series:        auditSeries,
		EmergencyOnly: auditEmergency,
		Limit:         auditLimit,
	}

	if auditFailures {
		failed := false
		options.Success = &failed
	}

	if auditSince != "" {
		duration, err := time.ParseDuration(auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid --since duration %q: %w", auditSince, err)
		}
		since := time.Now().Add(-duration)
		options.Since = &since
	}

	return options, nil
}

func displayAuditEvents(events []audit.Event) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "TIME\tPROTOCOL\tACTOR\tSCOPE\tRESULT\tDETAIL\n")

	for _, event := range events {
		result := "ok"
		detail := ""
		if !event.Success {
			result = "FAILED"
			detail = event.Error
		}
		if event.Reason != "" {
			if detail != "" {
				detail += "; "
			}
			detail += event.Reason
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Protocol,
			event.Actor,
			event.Scope,
			result,
			detail,
		)
	}

	return w.Flush()
}

func displayAuditSummary(events []audit.Event) error {
	type protocolStats struct {
		total    int
		failures int
	}

	stats := make(map[string]*protocolStats)
	actors := make(map[string]int)
	var firstEvent, lastEvent time.Time

	for _, event := range events {
		s, ok := stats[event.Protocol]
		if !ok {
			s = &protocolStats{}
			stats[event.Protocol] = s
		}
		s.total++
		if !event.Success {
			s.failures++
		}
		if event.Actor != "" {
			actors[event.Actor]++
		}
		if firstEvent.IsZero() || event.Timestamp.Before(firstEvent) {
			firstEvent = event.Timestamp
		}
		if event.Timestamp.After(lastEvent) {
			lastEvent = event.Timestamp
		}
	}

	if auditJSON {
		summary := make(map[string]interface{}, len(stats))
		for protocol, s := range stats {
			summary[protocol] = map[string]int{"total": s.total, "failures": s.failures}
		}
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"protocols":    summary,
			"actors":       actors,
			"total_events": len(events),
			"first_event":  firstEvent,
			"last_event":   lastEvent,
		})
	}

	fmt.Printf("Protocol Log Summary (%d events", len(events))
	if !firstEvent.IsZero() {
		fmt.Printf(", %s to %s", firstEvent.Format("2006-01-02 15:04"), lastEvent.Format("2006-01-02 15:04"))
	}
	fmt.Println(")")
	fmt.Println()

	protocols := make([]string, 0, len(stats))
	for protocol := range stats {
		protocols = append(protocols, protocol)
	}
	sort.Strings(protocols)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PROTOCOL\tTOTAL\tFAILURES\n")
	for _, protocol := range protocols {
		fmt.Fprintf(w, "%s\t%d\t%d\n", protocol, stats[protocol].total, stats[protocol].failures)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(actors) > 0 {
		fmt.Println("\nActors:")
		names := make([]string, 0, len(actors))
		for name := range actors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s: %d\n", name, actors[name])
		}
	}

	return nil
}
