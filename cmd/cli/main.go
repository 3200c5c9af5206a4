package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yourusername/pahe-extract-go/internal/app"
	"github.com/yourusername/pahe-extract-go/internal/domain"
	"github.com/yourusername/pahe-extract-go/internal/kwik"
	"github.com/yourusername/pahe-extract-go/pkg/logger"
)

var (
	serverURL   string
	configFile  string
	noAutoStart bool
	rootCmd     = &cobra.Command{
		Use:          "pahe-extract",
		Short:        "pahe-extract CLI - resolve kwik links and manage the download queue",
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000", "Server URL")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file, passed to an auto-started server")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Don't auto-start server if not running")

	resolveCmd.Flags().Bool("local", false, "Resolve in this process instead of asking the server")
	addCmd.Flags().StringP("group", "g", "", "Series folder name")
	addCmd.Flags().Float64P("episode", "e", 0, "Episode number")
	addCmd.Flags().IntP("resolution", "r", 0, "Resolution, for the default filename")
	addCmd.Flags().StringP("filename", "f", "", "Output filename")
	episodesCmd.Flags().IntP("page", "p", 1, "Release list page")
	episodesCmd.Flags().Bool("all", false, "Fetch every page")
	optionsCmd.Flags().IntP("resolution", "r", 0, "Mark the option a batch would pick")
	historyCmd.Flags().IntP("limit", "n", 20, "Number of records")
	historyCmd.Flags().StringP("group", "g", "", "Only records for this series")

	rootCmd.AddCommand(resolveCmd, episodesCmd, optionsCmd, addCmd, getCmd, statusCmd, cancelCmd, retryCmd, clearCmd, historyCmd)
}

// ensureServer checks if server is running and starts it if needed (unless --no-auto-start)
func ensureServer() {
	if noAutoStart {
		return
	}
	if err := ensureServerRunning(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// call sends a JSON request to the server and decodes the reply into out.
// Any status other than want is returned as an error carrying the body.
func call(method, path string, payload interface{}, want int, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [embed-url]",
	Short: "Resolve a kwik embed page to a direct download link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if local, _ := cmd.Flags().GetBool("local"); local {
			config, err := app.LoadConfig(configFile)
			if err != nil {
				return err
			}
			resolver := kwik.NewResolver(config.Resolver, logger.NewDefault())
			direct, err := resolver.Resolve(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(direct)
			return nil
		}

		ensureServer()
		var result struct {
			URL string `json:"url"`
		}
		if err := call(http.MethodPost, "/api/v1/resolve", map[string]string{"embed_url": args[0]}, http.StatusOK, &result); err != nil {
			return err
		}
		fmt.Println(result.URL)
		return nil
	},
}

var episodesCmd = &cobra.Command{
	Use:   "episodes [anime-session]",
	Short: "List the episodes of a title",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		page, _ := cmd.Flags().GetInt("page")
		all, _ := cmd.Flags().GetBool("all")
		query := url.Values{"page": {strconv.Itoa(page)}}
		if all {
			query = url.Values{"all": {"true"}}
		}

		var result struct {
			Episodes []domain.Episode `json:"episodes"`
			Page     int              `json:"page"`
			LastPage int              `json:"last_page"`
		}
		path := "/api/v1/anime/" + url.PathEscape(args[0]) + "/episodes?" + query.Encode()
		if err := call(http.MethodGet, path, nil, http.StatusOK, &result); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "EP\tSESSION\tDURATION\tFILLER")
		for _, ep := range result.Episodes {
			fmt.Fprintf(w, "%g\t%s\t%s\t%t\n", ep.Number, ep.Session, ep.Duration, ep.Filler)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if !all && result.LastPage > 1 {
			fmt.Printf("Page %d of %d\n", result.Page, result.LastPage)
		}
		return nil
	},
}

var optionsCmd = &cobra.Command{
	Use:   "options [anime-session] [episode-session]",
	Short: "List the download options of an episode",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		resolution, _ := cmd.Flags().GetInt("resolution")
		path := fmt.Sprintf("/api/v1/anime/%s/episodes/%s/options?resolution=%d",
			url.PathEscape(args[0]), url.PathEscape(args[1]), resolution)

		var result struct {
			Options  []domain.DownloadOption `json:"options"`
			Selected *domain.DownloadOption  `json:"selected"`
		}
		if err := call(http.MethodGet, path, nil, http.StatusOK, &result); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\tRES\tAUDIO\tSIZE\tURL")
		for _, opt := range result.Options {
			mark := ""
			if result.Selected != nil && result.Selected.EmbedURL == opt.EmbedURL {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%dp\t%s\t%s\t%s\n", mark, opt.Resolution, opt.Audio, opt.Size, opt.EmbedURL)
		}
		return w.Flush()
	},
}

var addCmd = &cobra.Command{
	Use:   "add [direct-url]",
	Short: "Add a resolved link to the download queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		group, _ := cmd.Flags().GetString("group")
		episode, _ := cmd.Flags().GetFloat64("episode")
		resolution, _ := cmd.Flags().GetInt("resolution")
		filename, _ := cmd.Flags().GetString("filename")

		payload := map[string]interface{}{
			"url":        args[0],
			"group":      group,
			"episode":    episode,
			"resolution": resolution,
		}
		if filename != "" {
			payload["filename"] = filename
		}

		var result struct {
			ID string `json:"id"`
		}
		if err := call(http.MethodPost, "/api/v1/downloads", payload, http.StatusCreated, &result); err != nil {
			return err
		}
		fmt.Printf("Download added successfully!\n")
		fmt.Printf("ID: %s\n", result.ID)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get download details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var task map[string]interface{}
		if err := call(http.MethodGet, "/api/v1/downloads/"+args[0], nil, http.StatusOK, &task); err != nil {
			return err
		}

		fmt.Printf("Download Details:\n")
		fmt.Printf("  ID:       %v\n", task["id"])
		fmt.Printf("  Group:    %v\n", task["group"])
		fmt.Printf("  Episode:  %v\n", task["episode"])
		fmt.Printf("  File:     %v\n", task["filename"])
		fmt.Printf("  Status:   %v\n", task["status"])
		fmt.Printf("  Progress: %v%%\n", task["progress"])
		if task["error"] != nil {
			fmt.Printf("  Error:    %v\n", task["error"])
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the download queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		var status app.QueueStatus
		if err := call(http.MethodGet, "/api/v1/queue", nil, http.StatusOK, &status); err != nil {
			return err
		}

		fmt.Printf("Running: %v (%d workers)\n", status.Running, status.Workers)
		fmt.Printf("Pending: %d  Active: %d  Completed: %d  Failed: %d\n\n",
			status.PendingCount, status.ActiveCount, status.CompletedCount, status.FailedCount)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPROGRESS\tSPEED")
		for _, list := range [][]domain.TaskSnapshot{status.Active, status.Pending, status.Failed} {
			for _, t := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\n",
					truncate(t.ID, 8), truncate(t.Filename, 40), t.Status, t.Progress, formatSpeed(t.Speed))
			}
		}
		return w.Flush()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a pending or active download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		if err := call(http.MethodDelete, "/api/v1/queue/"+args[0], nil, http.StatusOK, nil); err != nil {
			return err
		}
		fmt.Println("Download cancelled successfully")
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-queue every failed download",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		var result struct {
			Retried int `json:"retried"`
		}
		if err := call(http.MethodPost, "/api/v1/queue/retry", nil, http.StatusOK, &result); err != nil {
			return err
		}
		fmt.Printf("Re-queued %d failed download(s)\n", result.Retried)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the completed list",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()
		var result struct {
			Cleared int `json:"cleared"`
		}
		if err := call(http.MethodPost, "/api/v1/queue/clear", nil, http.StatusOK, &result); err != nil {
			return err
		}
		fmt.Printf("Cleared %d completed download(s)\n", result.Cleared)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show finished downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ensureServer()

		limit, _ := cmd.Flags().GetInt("limit")
		group, _ := cmd.Flags().GetString("group")
		query := url.Values{"limit": {strconv.Itoa(limit)}}
		if group != "" {
			query.Set("group", group)
		}

		var result struct {
			Records []struct {
				Group      string  `json:"group"`
				Episode    float64 `json:"episode"`
				Resolution int     `json:"resolution"`
				Filename   string  `json:"filename"`
				Status     string  `json:"status"`
				Error      string  `json:"error"`
				FinishedAt string  `json:"finished_at"`
			} `json:"records"`
		}
		if err := call(http.MethodGet, "/api/v1/history?"+query.Encode(), nil, http.StatusOK, &result); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tEP\tRES\tFILE\tSTATUS\tFINISHED")
		for _, r := range result.Records {
			status := r.Status
			if r.Error != "" {
				status += ": " + truncate(r.Error, 30)
			}
			fmt.Fprintf(w, "%s\t%g\t%dp\t%s\t%s\t%s\n",
				truncate(r.Group, 20), r.Episode, r.Resolution, truncate(r.Filename, 40), status, r.FinishedAt)
		}
		return w.Flush()
	},
}

func formatSpeed(bytesPerSec float64) string {
	switch {
	case bytesPerSec <= 0:
		return "-"
	case bytesPerSec >= 1<<20:
		return fmt.Sprintf("%.1f MiB/s", bytesPerSec/(1<<20))
	default:
		return fmt.Sprintf("%.0f KiB/s", bytesPerSec/(1<<10))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
