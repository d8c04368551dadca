package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/boardsync/internal/config"
	"github.com/basket/boardsync/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going: the report shows what is wrong.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}
	return printDiagnosis(os.Stdout, doctor.Run(ctx, &cfg, Version), jsonOutput)
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis, jsonOutput bool) int {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(w, "boardsync doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
		fmt.Fprintln(w, "---")
		for _, res := range diag.Results {
			icon := "✅"
			switch res.Status {
			case doctor.StatusFail:
				icon = "❌"
			case doctor.StatusWarn:
				icon = "⚠️ "
			case doctor.StatusSkip:
				icon = "⏩"
			}
			fmt.Fprintf(w, "%s %-12s: %s\n", icon, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(w, "    %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
