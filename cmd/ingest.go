package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docvault/internal/contentstore"
	"github.com/sells-group/docvault/internal/extraction"
	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/store"
)

var (
	ingestTemplates []string
	ingestWait      bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Store documents and extract them",
	Long: "Stores each file once by content hash and extracts it against the given templates. " +
		"Without --template the template is picked by matching when a language model is configured.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		templateIDs, err := resolveTemplates(ctx, env.Store, ingestTemplates)
		if err != nil {
			return err
		}

		var results []*extraction.IngestResult
		for _, path := range args {
			res, err := ingestFile(ctx, env.Engine, path, templateIDs)
			if err != nil {
				return err
			}
			results = append(results, res)
		}

		if ingestWait {
			for _, res := range results {
				if err := res.Dispatch.Wait(ctx); err != nil {
					return eris.Wrap(err, "wait for extraction")
				}
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "FILE_ID\tNAME\tNEW\tEXTRACTIONS\tJOB")
		for _, res := range results {
			n, job := 0, "-"
			if res.Dispatch != nil {
				n = len(res.Dispatch.Extractions)
				job = dash(res.Dispatch.JobID)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", res.File.ID, res.File.OriginalName, res.Created, n, job)
		}
		return w.Flush()
	},
}

func ingestFile(ctx context.Context, engine *extraction.Engine, path string, templateIDs []string) (*extraction.IngestResult, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	res, err := engine.Ingest(ctx, contentstore.Upload{Name: filepath.Base(path), Reader: f}, templateIDs)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest %s", path)
	}
	zap.L().Info("file ingested",
		zap.String("path", path),
		zap.String("file_id", res.File.ID),
		zap.Bool("created", res.Created),
	)
	return res, nil
}

// resolveTemplates accepts template IDs or names.
func resolveTemplates(ctx context.Context, st store.TemplateStore, refs []string) ([]string, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		t, err := st.GetTemplate(ctx, ref)
		if model.IsNotFound(err) {
			t, err = st.GetTemplateByName(ctx, ref)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "template %s", ref)
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestTemplates, "template", nil, "template ID or name (repeatable)")
	ingestCmd.Flags().BoolVar(&ingestWait, "wait", true, "wait for extraction to finish")
	rootCmd.AddCommand(ingestCmd)
}
