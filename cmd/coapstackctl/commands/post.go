package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func postCmd() *cobra.Command {
	var uriPath, uriQuery, data string
	var dataFile string

	cmd := &cobra.Command{
		Use:   "post",
		Short: "Run a CoAP POST exchange against a configured session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if sessionName == "" {
				return errSessionRequired
			}

			payload, err := postPayload(data, dataFile)
			if err != nil {
				return err
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

			result, err := runOneShot(cfg, sc, "POST", payload)
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
	cmd.Flags().StringVar(&data, "data", "", "request payload")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "read the request payload from a file, or \"-\" for stdin")

	return cmd
}

// postPayload resolves the request body from --data, --data-file, or
// neither (empty payload).
func postPayload(data, dataFile string) ([]byte, error) {
	if dataFile == "" {
		return []byte(data), nil
	}
	if dataFile == "-" {
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return body, nil
	}
	body, err := os.ReadFile(dataFile)
	if err != nil {
		return nil, fmt.Errorf("read payload from %s: %w", dataFile, err)
	}
	return body, nil
}
