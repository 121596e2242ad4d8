package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docvault/internal/canonical"
	"github.com/sells-group/docvault/internal/provider"
	"github.com/sells-group/docvault/internal/query"
	"github.com/sells-group/docvault/internal/search"
)

var (
	queryParams      []string
	queryResolveOnly bool
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Answer a natural-language question over extracted fields",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		params, err := parseParams(queryParams)
		if err != nil {
			return err
		}
		qs, closeFn, err := initQuery(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		text := strings.Join(args, " ")
		if queryResolveOnly {
			res, err := qs.Resolve(ctx, text, params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}
		res, err := qs.Execute(ctx, text, params)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var queryFeedbackCmd = &cobra.Command{
	Use:   "feedback <pattern-id>",
	Short: "Record whether a cached pattern answered correctly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed, _ := cmd.Flags().GetBool("failed")
		qs, closeFn, err := initQuery(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		return qs.Feedback(cmd.Context(), args[0], !failed)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the query cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired exact-match cache entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		qs, closeFn, err := initQuery(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := qs.PruneExpired(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("pruned %d expired cache entries\n", n)
		return nil
	},
}

// initQuery wires a query service. The language model is only needed for
// questions that miss both cache tiers.
func initQuery(cmd *cobra.Command) (*query.Service, func(), error) {
	ctx := cmd.Context()
	if err := cfg.Validate("store"); err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	var gen query.Generator
	if llm := initLLM(); llm != nil {
		gen = query.NewLLMGenerator(llm, cfg.Anthropic, provider.GuardConfig(cfg.Extraction))
	} else {
		zap.L().Warn("no language model configured, only cached questions can be answered")
	}
	qs := query.New(st, canonical.New(st), gen, search.NewClient(cfg.Search, nil), cfg.Query)
	return qs, func() { _ = st.Close() }, nil
}

// parseParams reads key=value pairs.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, eris.Errorf("invalid --param %q, want key=value", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func init() {
	queryCmd.Flags().StringArrayVar(&queryParams, "param", nil, "bound parameter as key=value (repeatable)")
	queryCmd.Flags().BoolVar(&queryResolveOnly, "resolve-only", false, "print the structured query without running it")
	queryFeedbackCmd.Flags().Bool("failed", false, "record a failure instead of a success")

	queryCmd.AddCommand(queryFeedbackCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(cacheCmd)
}
