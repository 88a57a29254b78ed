package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pytx.dev/pkg/pytx/internal/controller"
	m "pytx.dev/pkg/pytx/internal/model"
)

// runCmd represents the run command.
var runCmd = newRunCmd()

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "Run a test selection and print the result",
		Long:  runLongDescription,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cleanup, err := buildOrchestrator(version)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := execOptionsFromConfig()
			opts.Coverage = flagBool(cmd, coverageFlagName)

			model, err := orch.service.Execute(cmd.Context(), criteriaFromFlags(cmd, args), opts)
			if err != nil {
				return err
			}

			controller.NewConsoleUI(cmd).DisplayRunResult(model)

			if model.Status != m.StatusAllPassed {
				cmd.SilenceUsage = true
				return fmt.Errorf("run finished with status %s", model.Status)
			}

			return nil
		},
	}

	configureSelectionFlags(cmd)
	configureRunFlags(cmd)

	return cmd
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func configureRunFlags(cmd *cobra.Command) {
	cmd.Flags().Int64(timeoutFlagName, viper.GetInt64(timeoutConfigKey), "wall-clock timeout in seconds")
	bindFlagToConfig(cmd.Flags().Lookup(timeoutFlagName), timeoutConfigKey)

	cmd.Flags().IntP(maxFailuresFlagName, "x", viper.GetInt(maxFailuresConfigKey), "stop after this many failures")
	bindFlagToConfig(cmd.Flags().Lookup(maxFailuresFlagName), maxFailuresConfigKey)

	cmd.Flags().String(tracebackFlagName, viper.GetString(tracebackConfigKey), "failure rendering: short, long or line")
	bindFlagToConfig(cmd.Flags().Lookup(tracebackFlagName), tracebackConfigKey)

	cmd.Flags().Bool(coverageFlagName, false, "record per-test coverage for impact analysis")
}

func flagBool(cmd *cobra.Command, name string) bool {
	value, err := cmd.Flags().GetBool(name)
	if err != nil {
		return false
	}

	return value
}
