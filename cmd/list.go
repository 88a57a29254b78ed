package cmd

import (
	"github.com/spf13/cobra"

	"pytx.dev/pkg/pytx/internal/controller"
	"pytx.dev/pkg/pytx/internal/domain"
)

// listCmd represents the list command.
var listCmd = newListCmd()

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [path]",
		Short: "List tests matching a selection",
		Long:  listLongDescription,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cleanup, err := buildOrchestrator(version)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := orch.service.Resolve(cmd.Context(), criteriaFromFlags(cmd, args))
			if err != nil {
				return err
			}

			controller.NewConsoleUI(cmd).DisplaySelection(result)

			return nil
		},
	}

	configureSelectionFlags(cmd)

	return cmd
}

func init() {
	rootCmd.AddCommand(listCmd)
}

// configureSelectionFlags adds the filter flags shared by list and run.
func configureSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("pattern", "k", "", "test name filter expression")
	cmd.Flags().StringP("markers", "m", "", "marker filter expression")
}

func criteriaFromFlags(cmd *cobra.Command, args []string) domain.Criteria {
	criteria := domain.Criteria{
		Keyword: flagString(cmd, "pattern"),
		Markers: flagString(cmd, "markers"),
	}

	if len(args) > 0 {
		criteria.Path = args[0]
	}

	return criteria
}

func flagString(cmd *cobra.Command, name string) string {
	value, err := cmd.Flags().GetString(name)
	if err != nil {
		return ""
	}

	return value
}
