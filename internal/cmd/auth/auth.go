// Package auth manages the deployment API credentials in the user config.
package auth

import (
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kaptenlabs/kapten/internal/cmdutil"
	"github.com/kaptenlabs/kapten/internal/ui"
	"github.com/kaptenlabs/kapten/internal/util"
)

// LoginCmd returns the login subcommand. The token is taken from the
// argument when given, otherwise prompted for.
func LoginCmd(helper *cmdutil.Helper) *cobra.Command {
	return &cobra.Command{
		Use:   "login [token]",
		Short: "Save a deployment API token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			}
			if token == "" {
				err := survey.AskOne(
					&survey.Password{Message: "Deployment API token:"},
					&token, survey.WithValidator(survey.Required),
					survey.WithIcons(func(icons *survey.IconSet) {
						icons.Question.Format = "gray+hb"
					}))
				if err != nil || token == "" {
					helper.LogError("", errors.New("no token provided"))
					return &cmdutil.Error{ExitCode: 1, Err: err}
				}
			}
			if err := helper.Config.User.SetToken(token); err != nil {
				helper.LogError("saving token", err)
				return &cmdutil.Error{ExitCode: 1, Err: err}
			}
			helper.UI.Output(util.Sprintf("%s${RESET} Deployment API calls are now authorized against %s", ui.Rainbow(">>> Success!"), ui.Bold(helper.Config.User.APIURL())))
			return nil
		},
	}
}

// LogoutCmd returns the logout subcommand.
func LogoutCmd(helper *cmdutil.Helper) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved deployment API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helper.Config.User.Delete(); err != nil && !os.IsNotExist(err) {
				helper.LogError("could not log out", err)
				return &cmdutil.Error{ExitCode: 1, Err: err}
			}
			helper.UI.Output(util.Sprintf("${GREY}>>> Logged out${RESET}"))
			return nil
		},
	}
}
