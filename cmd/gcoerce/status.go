package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/franksops/gocoerce/store"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the recorded state of a job and its files",
		Long: "Show the recorded state of a job and its files.\n\n" +
			"The state database is locked while a run is in progress; status works on finished jobs.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			defer a.logger.Sync() //nolint:errcheck

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			return printStatus(cmd.OutOrStdout(), st, args[0])
		},
	}
}

func printStatus(w io.Writer, st store.Store, jobID string) error {
	job, err := st.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	tasks, err := st.ListTasks(jobID)
	if err != nil {
		return fmt.Errorf("tasks of job %s: %w", jobID, err)
	}

	fmt.Fprintf(w, "Job:     %s\n", job.ID)
	fmt.Fprintf(w, "Name:    %s\n", job.Name)
	fmt.Fprintf(w, "Status:  %s\n", job.Status)
	fmt.Fprintf(w, "Files:   %d\n", job.TotalTasks)
	fmt.Fprintf(w, "Updated: %s\n", job.UpdatedAt.Format("2006-01-02 15:04:05"))
	if job.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", job.Error)
	}

	if len(tasks) == 0 {
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "STATE", "ATTEMPTS", "RECORDS", "BYTES", "SOURCE", "DESTINATION", "ERROR")
	for _, task := range tasks {
		t.Row(
			strconv.Itoa(task.ID),
			string(task.State),
			strconv.Itoa(task.Attempts),
			strconv.FormatInt(task.Records, 10),
			strconv.FormatInt(task.Bytes, 10),
			task.SourcePath,
			task.DestinationPath,
			task.Error,
		)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, t.Render())
	return nil
}
