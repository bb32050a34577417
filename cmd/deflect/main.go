package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "deflect",
	Short: "FAQ-first support assistant that answers from the knowledge base before calling an AI model",
	Long: `deflect answers customer questions from a curated FAQ knowledge base,
falls back to a language model only when the FAQs do not cover the question,
and tracks the questions it could not answer so the knowledge base can grow.

Run "deflect start" to serve the API; the other commands talk to the running server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(faqCmd, gapsCmd, clustersCmd, reviewsCmd, feedbackCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
