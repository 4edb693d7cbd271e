package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/lobwife/internal/config"
	"github.com/basket/lobwife/internal/doctor"
)

var statusStyles = map[string]lipgloss.Style{
	"PASS": okStyle,
	"FAIL": errStyle,
	"WARN": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	"SKIP": labelStyle,
}

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: lobwife doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going; the config check reports the problem.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	writeDiagnosis(os.Stdout, diag)
	if diag.Failed() > 0 {
		return 1
	}
	return 0
}

func writeDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "%s (%s)\n", titleStyle.Render("lobwife doctor"), diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		style, ok := statusStyles[res.Status]
		if !ok {
			style = labelStyle
		}
		fmt.Fprintf(w, "%s %-13s %s\n", style.Render(fmt.Sprintf("%-4s", res.Status)), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "     %s\n", labelStyle.Render(res.Detail))
		}
	}
}
