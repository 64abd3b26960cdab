package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsloop/opsloop/internal/config"
	"github.com/opsloop/opsloop/internal/workflow"
)

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report [message]",
	Short: "Report an incident or follow up on one",
	Long: `Report an incident or follow up on an existing conversation.

Examples:
  opsloop report "checkout is returning 500s for ~30% of requests"
  opsloop report "here is the error screen" --image ./screenshot.png
  opsloop report "any update?" --conversation 4f1c…
  opsloop report "see attached log" --attach ./gateway.log`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, _ := cmd.Flags().GetString("conversation")
		imagePath, _ := cmd.Flags().GetString("image")
		attachPaths, _ := cmd.Flags().GetStringSlice("attach")

		req := map[string]any{
			"text": strings.Join(args, " "),
		}
		if conversationID != "" {
			req["conversation_id"] = conversationID
		}

		if imagePath != "" {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			req["image"] = map[string]string{
				"data": base64.StdEncoding.EncodeToString(data),
				"mime": mimeTypeFor(imagePath, "image/png"),
			}
		}

		if len(attachPaths) > 0 {
			var attachments []map[string]string
			for _, p := range attachPaths {
				data, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("reading attachment %s: %w", p, err)
				}
				attachments = append(attachments, map[string]string{
					"name": filepath.Base(p),
					"mime": mimeTypeFor(p, "text/plain"),
					"data": base64.StdEncoding.EncodeToString(data),
				})
			}
			req["attachments"] = attachments
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var final string
		resp, err := client.stream(cmd.Context(), "/turns", req, func(data []byte) {
			var n workflow.Notification
			if err := json.Unmarshal(data, &n); err != nil {
				return
			}
			if n.State == "FINAL_SUMMARY" && n.Author != "opsloop" {
				final = n.Text
				return
			}
			printStep("%s", n.Text)
		})
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			var result map[string]any
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			return fmt.Errorf("server rejected the report: %v", result)
		}

		if convID := resp.Header.Get("X-Conversation-ID"); convID != "" {
			printStatus("Conversation", "%s", convID)
		}
		if final != "" {
			fmt.Println()
			fmt.Println(final)
		}
		return nil
	},
}

func mimeTypeFor(path, fallback string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		// Strip charset and other parameters.
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
		return mt
	}
	return fallback
}

func init() {
	reportCmd.Flags().String("conversation", "", "conversation ID to continue")
	reportCmd.Flags().String("image", "", "screenshot file to include")
	reportCmd.Flags().StringSlice("attach", nil, "attachment file(s) to include")
}

// --- incidents ---

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Browse recorded incidents",
}

var incidentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded incidents, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/incidents?limit=%d", limit))
		if err != nil {
			return err
		}

		var incidents []struct {
			ID        string `json:"id"`
			Incident  struct {
				Title    string `json:"title"`
				Severity string `json:"severity"`
				Service  string `json:"service"`
			} `json:"incident"`
			Ticket *struct {
				Key string `json:"key"`
				URL string `json:"url"`
			} `json:"ticket"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &incidents); err != nil {
			return err
		}

		if len(incidents) == 0 {
			fmt.Println("no incidents recorded")
			return nil
		}
		for _, inc := range incidents {
			line := fmt.Sprintf("[%s] %s (%s)", inc.Incident.Severity, inc.Incident.Title, inc.Incident.Service)
			if inc.Ticket != nil {
				line += "  " + inc.Ticket.Key
			}
			fmt.Printf("  %s  %s\n", colorize(colorBold, inc.ID[:8]), line)
		}
		return nil
	},
}

var incidentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one incident record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/incidents/"+args[0])
		if err != nil {
			return err
		}

		var incident map[string]any
		if err := decodeJSON(resp, &incident); err != nil {
			return err
		}

		out, err := json.MarshalIndent(incident, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	incidentsListCmd.Flags().Int("limit", 20, "maximum number of incidents")
	incidentsCmd.AddCommand(incidentsListCmd)
	incidentsCmd.AddCommand(incidentsShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
