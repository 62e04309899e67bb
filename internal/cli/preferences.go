package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/franckalain/healthscan/internal/app"
	"github.com/franckalain/healthscan/internal/models"
)

// NewPreferencesCommand creates the preferences command. Preferences belong
// to the user named by --token and live in the remote store.
func NewPreferencesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preferences",
		Short: "Manage the dietary preferences used when grading products",
	}
	cmd.AddCommand(newPreferencesSetCommand(rootOpts))
	cmd.AddCommand(newPreferencesShowCommand(rootOpts))
	return cmd
}

func newPreferencesSetCommand(rootOpts *RootOptions) *cobra.Command {
	var prefs models.UserPreferences
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the signed-in user's diet and allergies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(a *app.App) error {
				if err := a.SavePreferences(cmd.Context(), prefs); err != nil {
					return fmt.Errorf("save preferences: %w", err)
				}
				return writePreferences(cmd.OutOrStdout(), rootOpts.Format, &prefs)
			})
		},
	}
	cmd.Flags().StringSliceVar(&prefs.Diet, "diet", nil, "diet, repeatable (e.g. vegan)")
	cmd.Flags().StringSliceVar(&prefs.Allergies, "allergy", nil, "allergy, repeatable (e.g. peanuts)")
	return cmd
}

func newPreferencesShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the signed-in user's preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(a *app.App) error {
				prefs, err := a.CurrentPreferences(cmd.Context())
				if err != nil {
					return fmt.Errorf("load preferences: %w", err)
				}
				return writePreferences(cmd.OutOrStdout(), rootOpts.Format, prefs)
			})
		},
	}
}

func writePreferences(w io.Writer, format string, prefs *models.UserPreferences) error {
	if prefs == nil {
		prefs = &models.UserPreferences{}
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(prefs)
	}
	_, err := fmt.Fprintf(w, "Diet: %s\nAllergies: %s\n", listOrNone(prefs.Diet), listOrNone(prefs.Allergies))
	return err
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
