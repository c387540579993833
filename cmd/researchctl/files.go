package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var filesOutput string

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Inspect and download files produced by a skill run",
}

var filesInfoCmd = &cobra.Command{
	Use:   "info <file_id>",
	Short: "Print file metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var meta map[string]interface{}
		q := url.Values{"action": {"metadata"}}
		if err := newAPI().getJSON(cmd.Context(), "/api/skills-files/"+url.PathEscape(args[0]), q, &meta); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(meta, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var filesGetCmd = &cobra.Command{
	Use:   "get <file_id>",
	Short: "Download a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newAPI().get(cmd.Context(), "/api/skills-files/"+url.PathEscape(args[0]), url.Values{"action": {"download"}})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		path := filesOutput
		if path == "" {
			path = args[0]
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, resp.Body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("download %s: %w", args[0], err)
		}
		fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, path)
		return nil
	},
}

func init() {
	filesGetCmd.Flags().StringVarP(&filesOutput, "output", "o", "", "output path (default: the file id)")
	filesCmd.AddCommand(filesInfoCmd)
	filesCmd.AddCommand(filesGetCmd)
}
