package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/hnmd/internal/document"
	"github.com/roach88/hnmd/internal/runtime"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a document without rendering",
		Long: `Parse a document's frontmatter and body and run the startup
structural checks: every pipe input and iteration source must name a
declared query, and every button must reference a declared action.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := document.Load(args[0])
			if err != nil {
				return err
			}
			if err := runtime.Validate(doc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d filters, %d pipes, %d body nodes)\n",
				args[0],
				len(doc.Frontmatter.Filters),
				len(doc.Frontmatter.Pipes),
				len(doc.Body),
			)
			return nil
		},
	}
}
