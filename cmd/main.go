package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/ragkit/internal/types"
	cfgPkg "github.com/xhad/ragkit/pkg/config"
	"github.com/xhad/ragkit/pkg/evaluation"
	"github.com/xhad/ragkit/pkg/llm"
	"github.com/xhad/ragkit/pkg/metrics"
	"github.com/xhad/ragkit/pkg/processor"
	"github.com/xhad/ragkit/pkg/rag"
	"github.com/xhad/ragkit/pkg/store"
)

// app is the wired set of components shared by every subcommand.
type app struct {
	config    *cfgPkg.Config
	logger    *slog.Logger
	completer types.Completer
	retriever *store.Retriever
	processor *processor.Processor
	recorder  *metrics.Recorder
	pipeline  *rag.Pipeline
	ingestor  *rag.Ingestor

	close func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var a app

	root := &cobra.Command{
		Use:           "ragkit",
		Short:         "Answer questions over your own documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			built, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			a = *built
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.close != nil {
				a.close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	root.AddCommand(
		newIngestCmd(&a),
		newAskCmd(&a),
		newChatCmd(&a),
		newDeleteCmd(&a),
		newStatsCmd(&a),
		newEvalCmd(&a),
	)
	return root
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	config, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if verrs := config.Validate(); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, verr := range verrs {
			errs[i] = verr
		}
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	logger, err := newLogger(config.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	tokenizer, err := llm.NewTokenizer(config.Processor.Encoding)
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded tokenizer", "encoding", tokenizer.Encoding())

	completer, err := newCompleter(config.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
	}

	embedder, err := newEmbedder(config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	collection, closeCollection, err := newCollection(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	retriever, err := store.NewRetriever(collection, embedder, logger)
	if err != nil {
		closeCollection()
		return nil, err
	}

	proc, err := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    config.Processor.ChunkSize,
		ChunkOverlap: config.Processor.ChunkOverlap,
	}, tokenizer)
	if err != nil {
		closeCollection()
		return nil, err
	}

	recorder, err := metrics.NewRecorder(config.Metrics.File)
	if err != nil {
		closeCollection()
		return nil, err
	}

	pipeline, err := rag.NewPipeline(rag.PipelineConfig{
		Retriever:   retriever,
		Completer:   completer,
		Tokenizer:   tokenizer,
		Metrics:     recorder,
		Logger:      logger,
		Model:       config.LLM.Model,
		Language:    config.LLM.Language,
		Temperature: config.LLM.Temperature,
		MaxTokens:   config.LLM.MaxTokens,
	})
	if err != nil {
		closeCollection()
		return nil, err
	}

	ingestor, err := rag.NewIngestor(proc, retriever, logger)
	if err != nil {
		closeCollection()
		return nil, err
	}

	return &app{
		config:    config,
		logger:    logger,
		completer: completer,
		retriever: retriever,
		processor: proc,
		recorder:  recorder,
		pipeline:  pipeline,
		ingestor:  ingestor,
		close:     closeCollection,
	}, nil
}

func newLogger(config cfgPkg.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(config.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", config.Format)
	}
}

func newCompleter(config cfgPkg.LLMConfig) (types.Completer, error) {
	switch config.Provider {
	case "ollama":
		return llm.NewWithConfig(llm.ChatConfig{Model: config.Model, BaseURL: config.BaseURL})
	default:
		return llm.NewOpenAIEngine(llm.OpenAIConfig{
			APIKey:  config.APIKey,
			BaseURL: config.BaseURL,
			Model:   config.Model,
		}), nil
	}
}

func newEmbedder(config *cfgPkg.Config) (types.Embedder, error) {
	switch config.Embedder.Provider {
	case "ollama":
		return llm.NewOllamaEmbedder(llm.EmbedderConfig{
			Model:     config.Embedder.Model,
			BatchSize: config.Embedder.BatchSize,
			BaseURL:   config.Embedder.BaseURL,
		})
	default:
		return llm.NewOpenAIEmbedder(llm.OpenAIConfig{
			APIKey:  config.LLM.APIKey,
			BaseURL: config.Embedder.BaseURL,
			Model:   config.Embedder.Model,
		}, config.Embedder.BatchSize), nil
	}
}

func newCollection(ctx context.Context, config *cfgPkg.Config, logger *slog.Logger) (types.Collection, func(), error) {
	switch config.VectorStore.Type {
	case "pgvector":
		vs, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
			ConnString: config.Database.URL,
			TableName:  config.Database.TableName,
			VectorDim:  config.Database.VectorDim,
		})
		if err != nil {
			return nil, nil, err
		}
		return vs, vs.Close, nil
	default:
		logger.Warn("using in-memory vector store; ingested documents last only for this process")
		return store.NewMemoryCollection(config.Database.TableName), func() {}, nil
	}
}

func (a *app) evaluators() (*evaluation.RetrievalEvaluator, *evaluation.PromptEvaluator, *evaluation.ApplicationEvaluator, error) {
	opts := evaluation.Options{
		Logger:  a.logger,
		Limiter: evaluation.NewLimiter(a.config.Evaluation.RateLimit),
	}

	r, err := evaluation.NewRetrievalEvaluator(a.retriever, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	judge, err := evaluation.NewJudge(a.completer, a.config.Evaluation.JudgeModel, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	p, err := evaluation.NewPromptEvaluator(a.pipeline, judge, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	ap, err := evaluation.NewApplicationEvaluator(a.pipeline, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	return r, p, ap, nil
}
