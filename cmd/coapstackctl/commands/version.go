package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/edgenet6/coapstack/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print coapstackctl build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("coapstackctl"))
		},
	}
}
