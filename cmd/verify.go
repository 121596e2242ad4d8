package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/verification"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Review low-confidence fields",
}

var verifyQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List fields waiting for review, lowest confidence first",
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

		extractionID, _ := cmd.Flags().GetString("extraction")
		templateID, _ := cmd.Flags().GetString("template")
		limit, _ := cmd.Flags().GetInt("limit")

		items, err := verification.New(st, cfg.Extraction.ConfidenceThreshold).Queue(ctx, model.QueueFilter{
			ExtractionID: extractionID,
			TemplateID:   templateID,
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "verify queue")
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to review.")
			return nil
		}
		formatQueue(os.Stdout, items)
		return nil
	},
}

var verifyFieldCmd = &cobra.Command{
	Use:   "field <field-id>",
	Short: "Record a review decision for one field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		typ, _ := cmd.Flags().GetString("type")
		value, _ := cmd.Flags().GetString("value")
		notes, _ := cmd.Flags().GetString("notes")
		session, _ := cmd.Flags().GetString("session")

		req := verification.Request{
			FieldID:   args[0],
			Value:     value,
			Type:      model.VerificationType(strings.ToLower(typ)),
			Notes:     notes,
			SessionID: session,
		}
		if !req.Type.Valid() {
			return eris.Errorf("--type must be one of correct, incorrect, not_found, custom (got %q)", typ)
		}

		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		v, err := env.Verifier.Verify(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, v)
	},
}

var verifyHistoryCmd = &cobra.Command{
	Use:   "history <field-id>",
	Short: "Show every review decision recorded for a field",
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

		rows, err := st.ListVerifications(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "verify history")
		}
		return printJSON(os.Stdout, rows)
	},
}

var verifyReclassifyCmd = &cobra.Command{
	Use:   "reclassify <extraction-id>",
	Short: "Re-apply the confidence threshold to unverified fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Verifier.Reclassify(ctx, args[0])
		if err != nil {
			return err
		}
		cmd.Printf("%d fields reclassified\n", n)
		return nil
	},
}

func init() {
	verifyQueueCmd.Flags().String("extraction", "", "only fields of this extraction")
	verifyQueueCmd.Flags().String("template", "", "only fields of this template ID")
	verifyQueueCmd.Flags().Int("limit", 50, "max number of fields to display")

	verifyFieldCmd.Flags().String("type", "correct", "decision: correct, incorrect, not_found or custom")
	verifyFieldCmd.Flags().String("value", "", "corrected value (required for incorrect and custom)")
	verifyFieldCmd.Flags().String("notes", "", "free-form reviewer notes")
	verifyFieldCmd.Flags().String("session", "", "verification session ID")

	verifyCmd.AddCommand(verifyQueueCmd, verifyFieldCmd, verifyHistoryCmd, verifyReclassifyCmd)
	rootCmd.AddCommand(verifyCmd)
}
