package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docvault/internal/extraction"
	"github.com/sells-group/docvault/internal/model"
)

var extractionCmd = &cobra.Command{
	Use:   "extraction",
	Short: "Inspect and drive extractions",
}

// -- extraction list --

var extractionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extractions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		fileID, _ := cmd.Flags().GetString("file")
		templateID, _ := cmd.Flags().GetString("template")
		limit, _ := cmd.Flags().GetInt("limit")

		rows, err := st.ListExtractions(ctx, model.ExtractionFilter{
			PhysicalFileID: fileID,
			TemplateID:     templateID,
			Status:         model.ExtractionStatus(status),
			Limit:          limit,
		})
		if err != nil {
			return eris.Wrap(err, "extraction list")
		}
		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No extractions found.")
			return nil
		}
		formatExtractions(os.Stdout, rows)
		return nil
	},
}

// -- extraction show --

var extractionShowCmd = &cobra.Command{
	Use:   "show <extraction-id>",
	Short: "Show an extraction with its fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Engine.Detail(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "extraction show")
		}
		return printJSON(os.Stdout, d)
	},
}

// -- extraction retry / assign / reprocess --

var extractionWait bool

var extractionRetryCmd = &cobra.Command{
	Use:   "retry <extraction-id>",
	Short: "Run a failed extraction again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDispatch(cmd, func(env *appEnv) (*extraction.Dispatch, error) {
			return env.Engine.Retry(cmd.Context(), args[0])
		})
	},
}

var extractionAssignCmd = &cobra.Command{
	Use:   "assign <extraction-id> <template>",
	Short: "Extract a template_needed document with the chosen template",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDispatch(cmd, func(env *appEnv) (*extraction.Dispatch, error) {
			ids, err := resolveTemplates(cmd.Context(), env.Store, args[1:])
			if err != nil {
				return nil, err
			}
			return env.Engine.AssignTemplate(cmd.Context(), args[0], ids[0])
		})
	},
}

var extractionReprocessCmd = &cobra.Command{
	Use:   "reprocess <file-id> <template>...",
	Short: "Re-extract a stored file, overwriting previous results",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDispatch(cmd, func(env *appEnv) (*extraction.Dispatch, error) {
			ids, err := resolveTemplates(cmd.Context(), env.Store, args[1:])
			if err != nil {
				return nil, err
			}
			return env.Engine.Reprocess(cmd.Context(), args[0], ids)
		})
	},
}

// runDispatch wires the environment, starts work with fn and optionally
// waits for the job before printing it.
func runDispatch(cmd *cobra.Command, fn func(env *appEnv) (*extraction.Dispatch, error)) error {
	ctx := cmd.Context()
	env, err := initEnv(ctx, "extract")
	if err != nil {
		return err
	}
	defer env.Close()

	d, err := fn(env)
	if err != nil {
		return err
	}
	if extractionWait {
		if err := d.Wait(ctx); err != nil {
			return eris.Wrap(err, "wait for extraction")
		}
	}
	if len(d.Skipped) > 0 {
		fmt.Fprintf(os.Stderr, "skipped templates: %v\n", d.Skipped)
	}
	if d.JobID == "" {
		fmt.Fprintln(os.Stderr, "Nothing to extract.")
		return nil
	}
	job, err := env.Engine.Job(ctx, d.JobID)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, job)
}

// -- job show / cancel --

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and cancel background jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show job progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "job show")
		}
		return printJSON(os.Stdout, job)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Long:  "Marks the job cancelled. The process running it stops at the next item and discards late provider results.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ok, err := st.SetJobStatus(ctx, args[0], model.JobCancelled, "cancelled")
		if err != nil {
			return eris.Wrap(err, "job cancel")
		}
		if !ok {
			return eris.Errorf("job %s has already stopped", args[0])
		}
		cmd.Printf("job %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	extractionListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, template_needed, error, verified)")
	extractionListCmd.Flags().String("file", "", "filter by physical file ID")
	extractionListCmd.Flags().String("template", "", "filter by template ID")
	extractionListCmd.Flags().Int("limit", 50, "max number of extractions to display")

	for _, c := range []*cobra.Command{extractionRetryCmd, extractionAssignCmd, extractionReprocessCmd} {
		c.Flags().BoolVar(&extractionWait, "wait", true, "wait for the job to finish")
	}

	extractionCmd.AddCommand(extractionListCmd, extractionShowCmd, extractionRetryCmd, extractionAssignCmd, extractionReprocessCmd)
	jobCmd.AddCommand(jobShowCmd, jobCancelCmd)
	rootCmd.AddCommand(extractionCmd)
	rootCmd.AddCommand(jobCmd)
}
