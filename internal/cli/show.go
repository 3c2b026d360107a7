package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cdpguard/internal/app"
)

var (
	showLimit    int
	showPosition string
	showWhat     string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent samples, alerts or interventions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:      showLimit,
			PositionID: showPosition,
			What:       showWhat,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showPosition, "position", "", "Only show rows for this vault id")
	showCmd.Flags().StringVar(&showWhat, "what", "samples", "History to display: samples, alerts or interventions")
}
