package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/companion-lens/core/pkg/jobs"
	"github.com/companion-lens/core/pkg/store"
)

var (
	statusOutput string
	statusLimit  int
)

// statusReport is what the status command prints
type statusReport struct {
	Registrations []registrationView    `json:"registrations" yaml:"registrations"`
	Executions    []jobs.ExecutionRecord `json:"executions" yaml:"executions"`
}

type registrationView struct {
	Key           string     `json:"key" yaml:"key"`
	Period        string     `json:"period" yaml:"period"`
	Preconditions string     `json:"preconditions" yaml:"preconditions"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at" yaml:"updated_at"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registered jobs and recent executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cmd.Context(), cfg.Database.Driver, cfg.StoreDSN())
		if err != nil {
			return fmt.Errorf("failed to open job store: %w", err)
		}
		defer st.Close()

		regs, err := st.ListRegistrations(cmd.Context())
		if err != nil {
			return err
		}
		execs, err := st.ListExecutions(cmd.Context(), "", statusLimit)
		if err != nil {
			return err
		}

		report := statusReport{Registrations: make([]registrationView, 0, len(regs)), Executions: execs}
		for _, r := range regs {
			report.Registrations = append(report.Registrations, registrationView{
				Key:           r.Key,
				Period:        r.Period.String(),
				Preconditions: r.Preconditions,
				LastRunAt:     r.LastRunAt,
				UpdatedAt:     r.UpdatedAt,
			})
		}
		return printStatus(os.Stdout, statusOutput, report)
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format: table, json or yaml")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of recent executions to show")
}

func printStatus(w io.Writer, format string, report statusReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	case "table":
		return printStatusTables(w, report)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printStatusTables(w io.Writer, report statusReport) error {
	if len(report.Registrations) == 0 {
		pterm.Warning.WithWriter(w).Println("No jobs registered")
		return nil
	}

	regs := pterm.TableData{{"Job", "Period", "Preconditions", "Last run"}}
	for _, r := range report.Registrations {
		regs = append(regs, []string{r.Key, r.Period, r.Preconditions, formatTime(r.LastRunAt)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(regs).Render(); err != nil {
		return err
	}

	if len(report.Executions) == 0 {
		pterm.Info.WithWriter(w).Println("No executions recorded")
		return nil
	}

	execs := pterm.TableData{{"Execution", "Job", "Status", "Started", "Duration", "Detail"}}
	for _, e := range report.Executions {
		duration := "-"
		if e.DurationMs != nil {
			duration = strconv.FormatInt(*e.DurationMs, 10) + "ms"
		}
		detail := e.StopReason
		if e.ErrorMessage != "" {
			detail = e.ErrorMessage
		}
		started := e.StartedAt
		execs = append(execs, []string{e.ID, e.JobKey, e.Status, formatTime(&started), duration, detail})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(execs).Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
