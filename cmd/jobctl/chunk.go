package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"doctranslate/internal/bootstrap"
	"doctranslate/internal/chunker"
)

// chunkCmd previews how a document would be split, without touching the
// store.
func chunkCmd(e *env) *cobra.Command {
	var (
		provider string
		llm      bool
		maxToks  int
		overlap  int
		html     bool
	)
	cmd := &cobra.Command{
		Use:   "chunk FILE",
		Short: "Preview the chunks a document would be split into",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c, sizes, release, err := bootstrap.NewChunker(e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer release()

			opts := sizes.Recommend(provider, llm)
			if cmd.Flags().Changed("max-tokens") {
				opts.MaxTokens = maxToks
			}
			if cmd.Flags().Changed("overlap") {
				opts.OverlapTokens = overlap
			}
			if opts.MaxTokens <= 0 || opts.OverlapTokens < 0 || opts.OverlapTokens >= opts.MaxTokens {
				return fmt.Errorf("overlap must be between 0 and max-tokens (got max %d, overlap %d)", opts.MaxTokens, opts.OverlapTokens)
			}

			pieces := c.Split(string(raw), opts)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "max_tokens=%d\toverlap=%d\tchunks=%d\n\n", opts.MaxTokens, opts.OverlapTokens, len(pieces))
			fmt.Fprintln(w, "INDEX\tTOKENS\tOVERLAP_CHARS\tPREVIEW")
			for i, p := range pieces {
				body := p.Body()
				if html {
					body = chunker.StripTags(body)
				}
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", i, p.Tokens, len([]rune(p.Context())), preview(body, 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "local", "provider whose size recommendation to use")
	cmd.Flags().BoolVar(&llm, "llm", false, "use the size recommendation for LLM-enhanced jobs")
	cmd.Flags().IntVar(&maxToks, "max-tokens", 0, "override the maximum tokens per chunk")
	cmd.Flags().IntVar(&overlap, "overlap", 0, "override the overlap tokens")
	cmd.Flags().BoolVar(&html, "html", false, "strip markup from the preview column")
	return cmd
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
