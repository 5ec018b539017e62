package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/scribo/internal/config"
)

// --- research ---

var researchCmd = &cobra.Command{
	Use:   "research <topic>",
	Short: "Start a research job for a topic",
	Long: `Start a research job for a topic.

Examples:
  scribo research "history of the Antarctic Treaty"
  scribo research --depth deep "zero-knowledge proofs"
  scribo research --wait "zero-knowledge proofs"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := strings.Join(args, " ")
		wait, _ := cmd.Flags().GetBool("wait")
		depth, _ := cmd.Flags().GetString("depth")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{"topic": topic}
		if depth != "" {
			body["depth"] = depth
		}
		resp, err := client.post(cmd.Context(), "/research", body)
		if err != nil {
			return err
		}
		var submitted struct {
			JobID string `json:"job_id"`
		}
		if err := decodeJSON(resp, &submitted); err != nil {
			return err
		}
		printSuccess("Job %s accepted", submitted.JobID)

		if !wait {
			printStep("Poll with: scribo research status %s", submitted.JobID)
			return nil
		}
		return waitForJob(cmd.Context(), client, submitted.JobID)
	},
}

var researchStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of a research job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		job, err := fetchJob(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

type jobView struct {
	JobID    string `json:"job_id"`
	Topic    string `json:"topic"`
	State    string `json:"state"`
	Error    string `json:"error"`
	ReportID string `json:"report_id"`
	Degraded struct {
		Vector  bool `json:"vector"`
		Reports bool `json:"reports"`
	} `json:"degraded"`
}

func fetchJob(ctx context.Context, client *apiClient, jobID string) (jobView, error) {
	resp, err := client.get(ctx, "/research/"+jobID)
	if err != nil {
		return jobView{}, err
	}
	var job jobView
	if err := decodeJSON(resp, &job); err != nil {
		return jobView{}, err
	}
	return job, nil
}

func printJob(job jobView) {
	printStatus("Job", "%s", job.JobID)
	printStatus("Topic", "%s", job.Topic)
	printStatus("State", "%s", job.State)
	if job.Error != "" {
		printStatus("Error", "%s", job.Error)
	}
	if job.ReportID != "" {
		printStatus("Report", "%s", job.ReportID)
	}
	if job.Degraded.Vector || job.Degraded.Reports {
		printWarning("job ran degraded (vector: %t, reports: %t)", job.Degraded.Vector, job.Degraded.Reports)
	}
}

func waitForJob(ctx context.Context, client *apiClient, jobID string) error {
	printStep("Waiting for job %s...", jobID)
	for {
		job, err := fetchJob(ctx, client, jobID)
		if err != nil {
			return err
		}
		switch job.State {
		case "completed":
			printSuccess("Job completed")
			return printReport(ctx, client, job.ReportID)
		case "failed":
			printError("Job failed: %s", job.Error)
			return fmt.Errorf("job failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report <report-id>",
	Short: "Print a finished report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return printReport(cmd.Context(), client, args[0])
	},
}

func printReport(ctx context.Context, client *apiClient, reportID string) error {
	resp, err := client.get(ctx, "/reports/"+reportID)
	if err != nil {
		return err
	}
	var report struct {
		Topic   string `json:"topic"`
		Content string `json:"content"`
		Review  string `json:"review"`
	}
	if err := decodeJSON(resp, &report); err != nil {
		return err
	}

	fmt.Println(report.Content)
	if report.Review != "" {
		fmt.Println()
		fmt.Println(colorize(colorBold, "Review:"))
		fmt.Println(report.Review)
	}
	return nil
}

// --- document ---

var documentCmd = &cobra.Command{
	Use:   "document <file>",
	Short: "Upload a document into the knowledge base",
	Long: `Upload a document into the knowledge base.

The file is stored and indexed in the background; its fragments become
retrievable by later research jobs and chat turns.

Examples:
  scribo document ./notes.md
  scribo document --title "Survey 2025" ./survey.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		title, _ := cmd.Flags().GetString("title")
		if title == "" {
			title = path
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		mimeType := "text/plain"
		encoding := ""
		content := string(data)
		if strings.HasSuffix(strings.ToLower(path), ".pdf") {
			mimeType = "application/pdf"
			encoding = "base64"
			content = base64.StdEncoding.EncodeToString(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/documents", map[string]string{
			"title":     title,
			"content":   content,
			"mime_type": mimeType,
			"encoding":  encoding,
			"source":    "cli",
		})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued document %s for indexing", result["document_id"])
		return nil
	},
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Ask a question over the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")
		conversationID, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{"message": message}
		if conversationID != "" {
			req["conversation_id"] = conversationID
		}
		resp, err := client.post(cmd.Context(), "/chat", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result["reply"])
		printStep("Continue with: scribo chat --conversation %s <message>", result["conversation_id"])
		return nil
	},
}

func init() {
	researchCmd.Flags().Bool("wait", false, "wait for the job and print the report")
	researchCmd.Flags().String("depth", "", "research depth: basic, intermediate or deep")
	researchCmd.AddCommand(researchStatusCmd)
	documentCmd.Flags().String("title", "", "title for the document")
	chatCmd.Flags().String("conversation", "", "conversation id to continue")
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

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
