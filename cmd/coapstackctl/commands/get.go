package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errSessionRequired = errors.New("--session flag is required")

func getCmd() *cobra.Command {
	var uriPath, uriQuery string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Run a CoAP GET exchange against a configured session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if sessionName == "" {
				return errSessionRequired
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sc, err := findSession(cfg, sessionName)
			if err != nil {
				return err
			}
			if uriPath != "" {
				sc.URIPath = uriPath
			}
			if uriQuery != "" {
				sc.URIQuery = uriQuery
			}

			result, err := runOneShot(cfg, sc, "GET", nil)
			if err != nil {
				return err
			}

			out, err := formatResult(sc.Name, result, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&uriPath, "path", "", "override the session's Uri-Path")
	cmd.Flags().StringVar(&uriQuery, "query", "", "override the session's Uri-Query")

	return cmd
}
