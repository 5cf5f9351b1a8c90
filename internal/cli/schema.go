package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the mapping tables if absent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rootOpts.load(cmd)
			if err != nil {
				return err
			}
			_, closeStore, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to prepare store", err)
			}
			defer func() { _ = closeStore() }()

			data := map[string]string{"driver": cfg.Store.Driver}
			return rootOpts.formatter(cmd).Success(data, fmt.Sprintf("schema ready (%s)", cfg.Store.Driver))
		},
	}
}
