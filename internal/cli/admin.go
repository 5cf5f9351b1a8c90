package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"idlink/internal/verification/service"
	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
)

// SubjectOptions selects a mapping by chat identity or alias.
type SubjectOptions struct {
	ChatID string
	Alias  string
	Actor  string
}

func (o *SubjectOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.ChatID, "chat", "", "chat identity of the mapping")
	cmd.Flags().StringVar(&o.Alias, "alias", "", "alias of the mapping (canonicalized through the directory)")
	cmd.Flags().StringVar(&o.Actor, "actor", "cli", "administrator recorded in the audit trail")
	cmd.MarkFlagsMutuallyExclusive("chat", "alias")
	cmd.MarkFlagsOneRequired("chat", "alias")
}

func (o *SubjectOptions) subject() (service.Subject, error) {
	if o.ChatID == "" {
		return service.Subject{Alias: o.Alias}, nil
	}
	chatID, err := id.ParseChatID(o.ChatID)
	if err != nil {
		return service.Subject{}, WrapExitError(ExitCommandError, "invalid --chat", err)
	}
	return service.Subject{ChatID: chatID}, nil
}

func NewWhoisCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubjectOptions{}
	cmd := &cobra.Command{
		Use:   "whois",
		Short: "Show the confirmed mapping for a chat identity or alias",
		Example: `  idlink whois --chat 248017384723
  idlink whois --alias j2smith --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := opts.subject()
			if err != nil {
				return err
			}
			app, err := rootOpts.build(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			mapping, err := app.Service.Whois(cmd.Context(), subject, opts.Actor)
			if err != nil {
				return operationError("whois", err)
			}
			text := fmt.Sprintf("%s is verified as %s (since %s)",
				mapping.ChatID, mapping.CanonicalAlias, mapping.ConfirmedAt.Format("2006-01-02 15:04:05 MST"))
			return rootOpts.formatter(cmd).Success(mapping, text)
		},
	}
	opts.bind(cmd)
	return cmd
}

func NewUnverifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubjectOptions{}
	cmd := &cobra.Command{
		Use:   "unverify",
		Short: "Remove a confirmed mapping and revoke the verified role",
		Long: `Remove the confirmed mapping for a chat identity or alias and ask the chat
adapter to revoke the verified role in every configured group. The alias
becomes claimable again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := opts.subject()
			if err != nil {
				return err
			}
			app, err := rootOpts.build(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			removal, err := app.Service.Unverify(cmd.Context(), subject, opts.Actor)
			if err != nil {
				return operationError("unverify", err)
			}
			text := removal.Message
			if removal.RevokeFailed > 0 {
				text += fmt.Sprintf(" Role revoke failed in %d group(s).", removal.RevokeFailed)
			}
			return rootOpts.formatter(cmd).Success(removal, text)
		},
	}
	opts.bind(cmd)
	return cmd
}

func operationError(op string, err error) error {
	if dErrors.HasCode(err, dErrors.CodeBadRequest) {
		return WrapExitError(ExitCommandError, op+" failed", err)
	}
	return WrapExitError(ExitFailure, op+" failed", err)
}
