package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/notedex/notedex/internal/search"
)

func newSearchCmd() *cobra.Command {
	var modeFlag string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mode, err := search.ParseMode(modeFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer rt.close()

			query := strings.Join(args, " ")
			results, err := rt.search.Search(ctx, query, mode, limit)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No results.")
				return nil
			}

			for i, r := range results {
				fmt.Printf("%2d. %-40s %.3f  [%s]\n", i+1, r.Path, r.Score, r.Source)
				if r.Section != nil && r.Section.ParentHeading != "" {
					fmt.Printf("    section: %s\n", r.Section.ParentHeading)
				}
				if len(r.MatchedTerms) > 0 {
					fmt.Printf("    matched: %s\n", strings.Join(r.MatchedTerms, ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modeFlag, "mode", "mixed", "Search mode: keyword, semantic, or mixed")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of results")
	return cmd
}
