package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/deflect/internal/config"
	"github.com/kalambet/deflect/internal/faq"
	"github.com/kalambet/deflect/internal/storage"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// call runs one API request and decodes the reply into out.
func call(ctx context.Context, method, path string, body, out any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

// --- faq ---

var faqCmd = &cobra.Command{
	Use:   "faq",
	Short: "Manage the FAQ knowledge base",
}

var faqAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a FAQ, refusing near-duplicates unless --force is set",
	Long: `Add a FAQ to the knowledge base.

Examples:
  deflect faq add --question "What are your opening hours?" --answer "9am to 5pm, Monday to Friday"
  deflect faq add -q "Do you ship abroad?" -a "Yes, to the EU and UK" --category shipping --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		question, _ := cmd.Flags().GetString("question")
		answer, _ := cmd.Flags().GetString("answer")
		category, _ := cmd.Flags().GetString("category")
		keywords, _ := cmd.Flags().GetString("keywords")
		force, _ := cmd.Flags().GetBool("force")

		if strings.TrimSpace(question) == "" || strings.TrimSpace(answer) == "" {
			return errors.New("--question and --answer are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/faqs", map[string]any{
			"question":  question,
			"answer":    answer,
			"category":  category,
			"keywords":  keywords,
			"force_add": force,
		})
		if err != nil {
			return err
		}

		var res faq.AddResult
		if resp.StatusCode == http.StatusConflict {
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				resp.Body.Close()
				return fmt.Errorf("decoding duplicate report: %w", err)
			}
			resp.Body.Close()
			printWarning("Not added: similar FAQs already exist")
			for _, c := range res.Candidates {
				fmt.Printf("  %s  [%.3f]  %s\n", colorize(colorCyan, shortID(c.FAQ.ID)), c.Score, shorten(c.FAQ.Question, 80))
			}
			return errors.New("duplicate FAQ (use --force to add anyway)")
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Added FAQ %s", res.FAQ.ID)
		return nil
	},
}

var faqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List FAQs",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")
		category, _ := cmd.Flags().GetString("category")

		q := url.Values{}
		q.Set("page", fmt.Sprint(page))
		q.Set("per_page", fmt.Sprint(perPage))
		if category != "" {
			q.Set("category", category)
		}

		var res faq.Page
		if err := call(cmd.Context(), http.MethodGet, "/faqs?"+q.Encode(), nil, &res); err != nil {
			return err
		}
		if len(res.Items) == 0 {
			fmt.Println("No FAQs found.")
			return nil
		}
		for _, f := range res.Items {
			fmt.Printf("%s  %-12s  %s\n", colorize(colorCyan, shortID(f.ID)), shorten(f.Category, 12), shorten(f.Question, 90))
		}
		fmt.Printf("\npage %d, %d of %d FAQs\n", res.Page, len(res.Items), res.Total)
		return nil
	},
}

type cliSearchHit struct {
	FAQ   storage.FAQ `json:"faq"`
	Score float64     `json:"score"`
	Tier  string      `json:"tier"`
}

var faqSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run the tiered FAQ search the chat path uses",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		category, _ := cmd.Flags().GetString("category")

		var res struct {
			AllResults []cliSearchHit `json:"all_results"`
			Tier       string         `json:"tier"`
			Strategy   string         `json:"strategy"`
			UseAI      bool           `json:"use_ai"`
		}
		err := call(cmd.Context(), http.MethodPost, "/faqs/search", map[string]any{
			"query":           strings.Join(args, " "),
			"limit":           limit,
			"threshold":       threshold,
			"category":        category,
			"include_related": true,
		}, &res)
		if err != nil {
			return err
		}

		printStatus("Tier", "%s", res.Tier)
		printStatus("Strategy", "%s (AI call: %t)", res.Strategy, res.UseAI)
		if len(res.AllResults) == 0 {
			fmt.Println("No matching FAQs.")
			return nil
		}
		for i, h := range res.AllResults {
			fmt.Printf("\n%s [score: %.3f, %s]\n", colorize(colorBold, fmt.Sprintf("%d. %s", i+1, h.FAQ.Question)), h.Score, h.Tier)
			fmt.Printf("  %s\n", shorten(h.FAQ.Answer, 300))
		}
		return nil
	},
}

var faqSimilarCmd = &cobra.Command{
	Use:   "similar <question>",
	Short: "List existing FAQs similar to a proposed question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		var res struct {
			Candidates []faq.Candidate `json:"candidates"`
		}
		err := call(cmd.Context(), http.MethodPost, "/faqs/similar", map[string]any{
			"question":  strings.Join(args, " "),
			"threshold": threshold,
		}, &res)
		if err != nil {
			return err
		}
		if len(res.Candidates) == 0 {
			fmt.Println("No similar FAQs.")
			return nil
		}
		for _, c := range res.Candidates {
			fmt.Printf("%s  [%.3f]  %s\n", colorize(colorCyan, shortID(c.FAQ.ID)), c.Score, shorten(c.FAQ.Question, 90))
		}
		return nil
	},
}

var faqDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a FAQ",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd.Context(), http.MethodDelete, "/faqs/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		printSuccess("Deleted FAQ %s", args[0])
		return nil
	},
}

// importFormat picks the document format from the flag or the file extension.
func importFormat(flag, path string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml", nil
	case ".pdf":
		return "pdf", nil
	}
	return "", fmt.Errorf("cannot infer format of %s; pass --format yaml or --format pdf", path)
}

var faqImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import FAQs from a YAML list or a PDF with Q:/A: blocks",
	Long: `Import FAQs from a document. Near-duplicates of existing FAQs are skipped
and reported unless --force is set.

Examples:
  deflect faq import ./faqs.yaml
  deflect faq import ./handbook.pdf --category returns`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")
		category, _ := cmd.Flags().GetString("category")
		force, _ := cmd.Flags().GetBool("force")

		format, err := importFormat(formatFlag, args[0])
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}
		defer f.Close()

		q := url.Values{}
		q.Set("format", format)
		if category != "" {
			q.Set("category", category)
		}
		if force {
			q.Set("force", "true")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		contentType := "application/yaml"
		if format == "pdf" {
			contentType = "application/pdf"
		}
		resp, err := client.upload(cmd.Context(), "/faqs/import?"+q.Encode(), contentType, f)
		if err != nil {
			return err
		}
		var report faq.ImportReport
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printSuccess("Imported %d FAQs", report.Added)
		for _, s := range report.Skipped {
			if s.DuplicateOf != "" {
				printWarning("skipped %q: %s of %s (%.3f)", shorten(s.Question, 60), s.Reason, shortID(s.DuplicateOf), s.Score)
				continue
			}
			printWarning("skipped %q: %s", shorten(s.Question, 60), s.Reason)
		}
		return nil
	},
}

var faqReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-embed FAQs stored under a different embedding model",
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]string
		if err := call(cmd.Context(), http.MethodPost, "/faqs/reindex", nil, &res); err != nil {
			return err
		}
		if res["status"] == "already_queued" {
			printWarning("A reindex job is already queued")
			return nil
		}
		printSuccess("Queued reindex job %s", res["job_id"])
		return nil
	},
}

func init() {
	faqAddCmd.Flags().StringP("question", "q", "", "question text")
	faqAddCmd.Flags().StringP("answer", "a", "", "answer text (may contain HTML)")
	faqAddCmd.Flags().String("category", "", "category")
	faqAddCmd.Flags().String("keywords", "", "comma-separated keywords")
	faqAddCmd.Flags().Bool("force", false, "add even if similar FAQs exist")

	faqListCmd.Flags().Int("page", 1, "page number")
	faqListCmd.Flags().Int("per-page", 20, "FAQs per page (max 100)")
	faqListCmd.Flags().String("category", "", "only list this category")

	faqSearchCmd.Flags().Int("limit", 5, "maximum number of results")
	faqSearchCmd.Flags().Float64("threshold", 0, "minimum similarity (0 uses the server default)")
	faqSearchCmd.Flags().String("category", "", "only search this category")

	faqSimilarCmd.Flags().Float64("threshold", 0, "minimum similarity (0 uses the duplicate threshold)")

	faqImportCmd.Flags().String("format", "", "yaml or pdf (default: from the file extension)")
	faqImportCmd.Flags().String("category", "", "category for PDF entries")
	faqImportCmd.Flags().Bool("force", false, "import near-duplicates too")

	faqCmd.AddCommand(faqAddCmd, faqListCmd, faqSearchCmd, faqSimilarCmd, faqDeleteCmd, faqImportCmd, faqReindexCmd)
}

// --- gaps and clusters ---

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Inspect questions the knowledge base could not answer",
}

var gapsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved gap questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var out []storage.GapQuestion
		if err := call(cmd.Context(), http.MethodGet, fmt.Sprintf("/gaps?limit=%d", limit), nil, &out); err != nil {
			return err
		}
		if len(out) == 0 {
			fmt.Println("No open gaps.")
			return nil
		}
		for _, g := range out {
			cluster := "-"
			if g.ClusterID != "" {
				cluster = shortID(g.ClusterID)
			}
			fmt.Printf("%s  %-9s %.2f  %-8s  %s\n",
				colorize(colorCyan, shortID(g.ID)), g.Confidence, g.Score, cluster, shorten(g.Text, 80))
		}
		return nil
	},
}

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Review AI-grouped gap clusters",
}

var clustersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gap clusters by priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if status != "" {
			q.Set("status", status)
		}
		var out []storage.GapCluster
		if err := call(cmd.Context(), http.MethodGet, "/clusters?"+q.Encode(), nil, &out); err != nil {
			return err
		}
		if len(out) == 0 {
			fmt.Println("No clusters.")
			return nil
		}
		for _, c := range out {
			fmt.Printf("\n%s %s [%s, %d questions, priority %.2f]\n",
				colorize(colorCyan, shortID(c.ID)), colorize(colorBold, c.Name), c.ActionType, c.QuestionCount, c.PriorityScore)
			if c.SuggestedQuestion != "" {
				fmt.Printf("  Q: %s\n", shorten(c.SuggestedQuestion, 100))
			}
			if c.SuggestedAnswer != "" {
				fmt.Printf("  A: %s\n", shorten(c.SuggestedAnswer, 200))
			}
		}
		return nil
	},
}

var clustersRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Queue a gap clustering run",
	RunE: func(cmd *cobra.Command, args []string) error {
		var res map[string]string
		if err := call(cmd.Context(), http.MethodPost, "/clusters/run", nil, &res); err != nil {
			return err
		}
		if res["status"] == "already_queued" {
			printWarning("A clustering run is already queued")
			return nil
		}
		printSuccess("Queued clustering job %s", res["job_id"])
		return nil
	},
}

var clustersApplyCmd = &cobra.Command{
	Use:   "apply <id>",
	Short: "Write a cluster's suggestion to the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		answer, _ := cmd.Flags().GetString("answer")

		var body any
		if answer != "" {
			body = map[string]string{"edited_answer": answer}
		}
		var res struct {
			Action string `json:"action"`
			FAQID  string `json:"faq_id"`
		}
		if err := call(cmd.Context(), http.MethodPost, "/clusters/"+url.PathEscape(args[0])+"/apply", body, &res); err != nil {
			return err
		}
		printSuccess("Cluster applied (%s FAQ %s)", res.Action, res.FAQID)
		return nil
	},
}

func clusterStatusCmd(use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd.Context(), http.MethodPost, "/clusters/"+url.PathEscape(args[0])+"/"+use, nil, nil); err != nil {
				return err
			}
			printSuccess("Cluster %s %s", args[0], verb)
			return nil
		},
	}
}

func init() {
	gapsListCmd.Flags().Int("limit", 100, "maximum number of gaps")
	gapsCmd.AddCommand(gapsListCmd)

	clustersListCmd.Flags().String("status", "pending", "pending, resolved or dismissed")
	clustersListCmd.Flags().Int("limit", 50, "maximum number of clusters")
	clustersApplyCmd.Flags().String("answer", "", "answer to use instead of the suggestion")

	clustersCmd.AddCommand(clustersListCmd, clustersRunCmd, clustersApplyCmd,
		clusterStatusCmd("dismiss", "Dismiss a cluster; its questions stay open", "dismissed"),
		clusterStatusCmd("resolve", "Mark a cluster and its questions resolved", "resolved"),
	)
}

// --- reviews ---

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Review FAQs flagged by negative feedback",
}

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		path := "/reviews"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		var out []storage.ReviewItem
		if err := call(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		if len(out) == 0 {
			fmt.Println("No review items.")
			return nil
		}
		for _, r := range out {
			fmt.Printf("%s  %-8s  %d negative, confidence %.2f  %s\n",
				colorize(colorCyan, shortID(r.ID)), r.Status, r.NegativeCount, r.CurrentConfidence, shorten(r.Question, 70))
		}
		return nil
	},
}

var reviewsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a review, optionally replacing the answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		answer, _ := cmd.Flags().GetString("answer")

		var entry storage.HistoryEntry
		err := call(cmd.Context(), http.MethodPost, "/reviews/"+url.PathEscape(args[0])+"/approve",
			map[string]string{"new_answer": answer}, &entry)
		if err != nil {
			return err
		}
		if entry.AnswerApplied {
			printSuccess("Approved; answer updated (history %s)", entry.ID)
		} else {
			printSuccess("Approved (history %s)", entry.ID)
		}
		return nil
	},
}

var reviewsRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a review and keep the current answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")

		var entry storage.HistoryEntry
		err := call(cmd.Context(), http.MethodPost, "/reviews/"+url.PathEscape(args[0])+"/reject",
			map[string]string{"note": note}, &entry)
		if err != nil {
			return err
		}
		printSuccess("Rejected (history %s)", entry.ID)
		return nil
	},
}

var reviewsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List review decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var out []storage.HistoryEntry
		if err := call(cmd.Context(), http.MethodGet, fmt.Sprintf("/history?limit=%d", limit), nil, &out); err != nil {
			return err
		}
		for _, h := range out {
			mark := " "
			if h.CanRollback {
				mark = "*"
			}
			fmt.Printf("%s %s  %-10s  %s  %s\n", mark, colorize(colorCyan, h.ID), h.Action, shortID(h.FAQID),
				h.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var reviewsRollbackCmd = &cobra.Command{
	Use:   "rollback <history-id>",
	Short: "Revert an approve or reject decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			AnswerRestored bool `json:"answer_restored"`
			Reopened       bool `json:"reopened"`
		}
		if err := call(cmd.Context(), http.MethodPost, "/history/"+url.PathEscape(args[0])+"/rollback", nil, &res); err != nil {
			return err
		}
		printSuccess("Rolled back (answer restored: %t, review reopened: %t)", res.AnswerRestored, res.Reopened)
		return nil
	},
}

var reviewsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every review item and decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		yesReally, _ := cmd.Flags().GetBool("yes-really")
		if !confirm || !yesReally {
			printWarning("This deletes ALL review items and history. Pass --confirm --yes-really to proceed.")
			return nil
		}

		var res struct {
			Removed int `json:"removed"`
		}
		err := call(cmd.Context(), http.MethodPost, "/reviews/reset",
			map[string]bool{"confirm": true, "yes_really": true}, &res)
		if err != nil {
			return err
		}
		printSuccess("Learning data reset (%d rows removed)", res.Removed)
		return nil
	},
}

func init() {
	reviewsListCmd.Flags().String("status", "pending", "pending, approved or rejected (empty for all)")
	reviewsApproveCmd.Flags().String("answer", "", "replacement answer")
	reviewsRejectCmd.Flags().String("note", "", "reason for rejecting")
	reviewsHistoryCmd.Flags().Int("limit", 50, "maximum number of entries")
	reviewsResetCmd.Flags().Bool("confirm", false, "confirm the reset")
	reviewsResetCmd.Flags().Bool("yes-really", false, "confirm the reset again")

	reviewsCmd.AddCommand(reviewsListCmd, reviewsApproveCmd, reviewsRejectCmd, reviewsHistoryCmd,
		reviewsRollbackCmd, reviewsResetCmd)
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Customer satisfaction statistics",
}

var feedbackStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show CSAT for a recent window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		var stats struct {
			CSATScore float64 `json:"csat_score"`
			Total     int     `json:"total"`
			Positive  int     `json:"positive"`
			Negative  int     `json:"negative"`
		}
		if err := call(cmd.Context(), http.MethodGet, fmt.Sprintf("/feedback/stats?days=%d", days), nil, &stats); err != nil {
			return err
		}
		printStatus("CSAT", "%.1f%%", stats.CSATScore)
		printStatus("Responses", "%d (%d positive, %d negative)", stats.Total, stats.Positive, stats.Negative)
		return nil
	},
}

func init() {
	feedbackStatsCmd.Flags().Int("days", 30, "window in days")
	feedbackCmd.AddCommand(feedbackStatsCmd)
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
		for _, k := range config.ShowAll(cfg) {
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
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
