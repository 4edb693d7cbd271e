package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/lobwife/internal/broker"
	"github.com/basket/lobwife/internal/config"
	"github.com/basket/lobwife/internal/jobs"
)

// statusReport mirrors the /api/status body.
type statusReport struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Broker        broker.Summary            `json:"broker"`
	Jobs          map[string]jobs.JobStatus `json:"jobs"`
	Tasks         map[string]int            `json:"tasks"`
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func runStatusCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: lobwife status [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, statusURL(cfg.Server.BindAddr), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	if cfg.Server.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.APIToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if jsonOutput || resp.StatusCode != http.StatusOK {
		_, _ = os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = os.Stdout.Write([]byte("\n"))
		}
		if resp.StatusCode != http.StatusOK {
			return 1
		}
		return 0
	}

	var rep statusReport
	if err := json.Unmarshal(body, &rep); err != nil {
		fmt.Fprintf(os.Stderr, "decode status: %v\n", err)
		return 1
	}
	fmt.Fprintln(os.Stdout, renderStatus(rep))
	return 0
}

func statusURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:8081"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/api/status"
	}
	return "http://" + localAddr(addr) + "/api/status"
}

func renderStatus(rep statusReport) string {
	var b strings.Builder
	state := okStyle.Render(rep.Status)
	if rep.Status != "ok" {
		state = errStyle.Render(rep.Status)
	}
	fmt.Fprintf(&b, "%s %s  %s %s\n", titleStyle.Render("lobwife"), state,
		labelStyle.Render("uptime"), (time.Duration(rep.UptimeSeconds) * time.Second).String())

	b.WriteString("\n" + titleStyle.Render("Tasks") + "\n")
	for _, status := range []string{"queued", "active", "blocked", "completed", "failed", "cancelled"} {
		fmt.Fprintf(&b, "  %-10s %d\n", labelStyle.Render(status), rep.Tasks[status])
	}

	b.WriteString("\n" + titleStyle.Render("Broker") + "\n")
	if rep.Broker.Enabled {
		fmt.Fprintf(&b, "  %s  active=%d issued=%d\n", okStyle.Render("enabled"), rep.Broker.ActiveTasks, rep.Broker.TotalTokensIssued)
	} else {
		fmt.Fprintf(&b, "  %s\n", errStyle.Render("disabled"))
	}

	b.WriteString("\n" + titleStyle.Render("Jobs") + "\n")
	names := make([]string, 0, len(rep.Jobs))
	for name := range rep.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		js := rep.Jobs[name]
		last := "never"
		if js.LastStatus != nil {
			last = *js.LastStatus
		}
		mark := okStyle.Render("on ")
		if !js.Enabled {
			mark = labelStyle.Render("off")
		}
		if js.Running {
			last = "running"
		}
		fmt.Fprintf(&b, "  %s %-16s %-14s runs=%d fails=%d\n", mark, name, last, js.RunCount, js.FailCount)
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
