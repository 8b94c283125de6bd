package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/pkg/evaluation"
	"github.com/xhad/ragkit/pkg/rag"
	"github.com/xhad/ragkit/pkg/scraper"
)

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

func newIngestCmd(a *app) *cobra.Command {
	var category, docsURL string

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Chunk, embed and store documents (.pdf, .docx, .txt, .html)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && docsURL == "" {
				return errors.New("nothing to ingest: pass files or --url")
			}

			for _, path := range args {
				spinner := getSpinner(fmt.Sprintf(" Processing %s...", filepath.Base(path)))
				res, err := a.ingestor.Ingest(cmd.Context(), path, filepath.Base(path), category)
				_ = spinner.Finish()
				if err != nil {
					return fmt.Errorf("failed to ingest %s: %w", path, err)
				}
				color.Green("✓ %s: %d pages, %d chunks (doc_id %s)", res.Filename, res.PageCount, res.ChunkCount, res.DocID)
			}

			if docsURL != "" {
				return ingestURL(cmd.Context(), a, docsURL, category)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Category stored with every chunk")
	cmd.Flags().StringVar(&docsURL, "url", "", "Documentation URL to scrape and ingest")
	return cmd
}

func ingestURL(ctx context.Context, a *app, docsURL, category string) error {
	color.Blue("\nStarting documentation pipeline for %s", docsURL)

	var scrapeCount int32
	s, err := scraper.NewWithConfig(scraper.ScraperConfig{
		BaseURL:        docsURL,
		MaxDepth:       a.config.Scraper.MaxDepth,
		RateLimit:      a.config.Scraper.RateLimit,
		IgnorePatterns: a.config.Scraper.IgnorePatterns,
		Category:       category,
		Logger:         a.logger,
		OnProgress: func(string) {
			atomic.AddInt32(&scrapeCount, 1)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize scraper: %w", err)
	}

	scrapingBar := getProgressBar(-1, " Scraping documentation...")
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = scrapingBar.Set(int(atomic.LoadInt32(&scrapeCount)))
			}
		}
	}()

	docs, err := s.Scrape(ctx, docsURL)
	close(done)
	_ = scrapingBar.Finish()
	if err != nil {
		return fmt.Errorf("failed to scrape documents: %w", err)
	}
	color.Green("\n✓ Scraped %d documents", len(docs))

	storageBar := getProgressBar(len(docs), " Storing in vector database")
	chunks := 0
	for _, doc := range docs {
		res, err := a.ingestor.IngestDocument(ctx, doc, category)
		if err != nil {
			color.Red("Failed to store %s: %v", doc.Filename, err)
			continue
		}
		chunks += res.ChunkCount
		_ = storageBar.Add(1)
	}
	_ = storageBar.Finish()
	color.Green("\n✓ Stored %d chunks from %s", chunks, docsURL)
	return nil
}

func newAskCmd(a *app) *cobra.Command {
	var category string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a single question from the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spinner := getSpinner(" Generating response...")
			resp, err := a.pipeline.Generate(cmd.Context(), rag.Request{
				Query:    strings.Join(args, " "),
				Category: category,
			})
			_ = spinner.Finish()
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Answer)
			printSources(cmd.OutOrStdout(), resp.Sources)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only search chunks of this category")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full response as JSON")
	return cmd
}

func newChatCmd(a *app) *cobra.Command {
	var category string
	var streaming bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with your knowledge base",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("stream") {
				streaming = a.config.UI.Streaming
			}
			return chat(cmd.Context(), a, category, streaming)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only search chunks of this category")
	cmd.Flags().BoolVar(&streaming, "stream", true, "Stream responses as they are generated")
	return cmd
}

func chat(ctx context.Context, a *app, category string, streaming bool) error {
	color.Cyan("\nChat with your knowledge base (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()
	conversationID := uuid.NewString()

	var history []models.ConversationTurn
	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if strings.ToLower(query) == "exit" {
			break
		}

		if url := urlRegex.FindString(query); url != "" {
			color.Blue("\nDetected URL: %s", url)
			if err := ingestURL(ctx, a, url, category); err != nil {
				color.Red("Failed to ingest URL: %v", err)
			}
			if query == url {
				continue
			}
		}

		req := rag.Request{
			Query:          query,
			History:        history,
			Category:       category,
			ConversationID: conversationID,
		}

		var resp *rag.Response
		var err error
		if streaming {
			resp, err = streamAnswer(ctx, a, req, assistantPrompt)
		} else {
			spinner := getSpinner(" Generating response...")
			resp, err = a.pipeline.Generate(ctx, req)
			_ = spinner.Finish()
			if err == nil {
				assistantPrompt("\nAssistant: ")
				fmt.Println(resp.Answer)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			color.Red("Error: %v", err)
			continue
		}

		printSources(os.Stdout, resp.Sources)
		history = append(history,
			models.ConversationTurn{Role: models.RoleUser, Content: query},
			models.ConversationTurn{Role: models.RoleAssistant, Content: resp.Answer},
		)
	}

	return scanner.Err()
}

func streamAnswer(ctx context.Context, a *app, req rag.Request, assistantPrompt func(string, ...interface{})) (*rag.Response, error) {
	spinner := getSpinner(" Thinking...")
	stream, err := a.pipeline.GenerateStream(ctx, req)
	if err != nil {
		_ = spinner.Finish()
		return nil, err
	}
	defer stream.Close()

	first := true
	for fragment := range stream.Fragments() {
		if first {
			_ = spinner.Finish()
			assistantPrompt("\nAssistant: ")
			first = false
		}
		fmt.Print(fragment)
	}
	if first {
		_ = spinner.Finish()
	}
	fmt.Println()

	return stream.Result()
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <doc_id>",
		Short: "Remove every chunk of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.retriever.DeleteDocument(cmd.Context(), args[0]); err != nil {
				return err
			}
			color.Green("✓ Deleted %s", args[0])
			return nil
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage metrics and collection size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			usage, err := a.recorder.Stats(hours)
			if err != nil {
				return err
			}
			collection, err := a.retriever.Stats(cmd.Context())
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"metrics":    usage,
				"collection": collection,
				"health":     a.recorder.Health(),
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Aggregation window in hours, 0 for all time")
	return cmd
}

func newEvalCmd(a *app) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:       "eval {rag|prompt|app|full}",
		Short:     "Run offline quality evaluations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"rag", "prompt", "app", "full"},
		RunE: func(cmd *cobra.Command, args []string) error {
			retrieval, prompt, application, err := a.evaluators()
			if err != nil {
				return err
			}

			paths := evaluation.Paths{
				RAG:         a.config.Evaluation.RAGTests,
				Prompt:      a.config.Evaluation.PromptTests,
				Application: a.config.Evaluation.AppTests,
			}

			ctx := cmd.Context()
			var report any
			switch args[0] {
			case "rag":
				report, err = retrieval.RunRetrieval(ctx, paths.RAG)
			case "prompt":
				report, err = prompt.RunPrompt(ctx, paths.Prompt)
			case "app":
				report, err = application.RunApplication(ctx, paths.Application)
			case "full":
				report, err = evaluation.RunFull(ctx, retrieval, prompt, application, paths)
			}
			if err != nil {
				return err
			}

			if out == "" {
				return printJSON(cmd.OutOrStdout(), report)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := printJSON(f, report); err != nil {
				return err
			}
			color.Green("✓ Report written to %s", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Write the report to this file instead of stdout")
	return cmd
}
