package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/docvault/internal/organizer"
)

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Browse and reorganize the virtual folder tree",
}

var foldersListCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List the sub-folders and files of a folder",
	Args:  cobra.MaximumNArgs(1),
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

		p := ""
		if len(args) > 0 {
			p = args[0]
		}
		listing, err := organizer.New(st).Browse(ctx, p)
		if err != nil {
			return eris.Wrap(err, "folders ls")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, f := range listing.Folders {
			_, _ = fmt.Fprintf(w, "%s/\t%d files\n", f.Name, f.Count)
		}
		for _, e := range listing.Files {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.OrganizedPath, e.ID, e.Status)
		}
		return w.Flush()
	},
}

var foldersMoveCmd = &cobra.Command{
	Use:   "mv <target-path> <extraction-id>...",
	Short: "Move extractions into a folder",
	Args:  cobra.MinimumNArgs(2),
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

		moved, err := organizer.New(st).Reorganize(ctx, args[1:], args[0])
		if err != nil {
			return eris.Wrap(err, "folders mv")
		}
		cmd.Printf("moved %d extractions to %s\n", moved, args[0])
		return nil
	},
}

func init() {
	foldersCmd.AddCommand(foldersListCmd, foldersMoveCmd)
	rootCmd.AddCommand(foldersCmd)
}
