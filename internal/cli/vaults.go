package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	vaultsOwner    string
	vaultsPosition string
)

var vaultsCmd = &cobra.Command{
	Use:   "vaults",
	Short: "List the vaults of an owner or inspect one vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		if vaultsOwner == "" && vaultsPosition == "" {
			return errors.New("one of --owner or --position is required")
		}
		return getApp().Vaults(cmd.Context(), vaultsOwner, vaultsPosition)
	},
}

func init() {
	vaultsCmd.Flags().StringVar(&vaultsOwner, "owner", "", "Owner address whose vaults are listed")
	vaultsCmd.Flags().StringVar(&vaultsPosition, "position", "", "Vault id to inspect")
}
