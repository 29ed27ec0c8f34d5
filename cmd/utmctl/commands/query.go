package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <path>",
		Short: "Query the admin space (e.g. /@/router/<pid>)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runQuery(args[0])
		},
	}
}

func runQuery(path string) error {
	url := "http://" + serverAddr + path

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("query %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: server returned %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var pretty strings.Builder
		if err := json.Indent(&pretty, body, "", "  "); err == nil {
			fmt.Println(pretty.String())
			return nil
		}
	}

	fmt.Println(string(body))
	return nil
}
