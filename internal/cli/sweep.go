package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete pending codes past their grace period",
		Long: `Delete pending codes whose expiry is older than the sweep grace period.

Issuing a code sweeps as a side effect; this command runs the same sweep on
demand, for example from cron on a quiet deployment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := rootOpts.build(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			n, err := app.Service.Sweep(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "sweep failed", err)
			}
			data := map[string]int64{"swept": n}
			return rootOpts.formatter(cmd).Success(data, fmt.Sprintf("swept %d expired pending code(s)", n))
		},
	}
}
