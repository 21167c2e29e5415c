package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/jobs"
	"github.com/zulandar/parley/internal/knowledge"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/storage"
	"gorm.io/gorm"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Knowledge base commands",
	}

	cmd.AddCommand(newKBSearchCmd())
	cmd.AddCommand(newKBReindexCmd())
	return cmd
}

func newKBSearchCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		threshold  float32
	)

	cmd := &cobra.Command{
		Use:   "search <kb-id> <query>",
		Short: "Run a semantic search against a knowledge base",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKBSearch(cmd, configPath, args[0], strings.Join(args[1:], " "), limit, threshold)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to Parley config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "maximum results")
	cmd.Flags().Float32Var(&threshold, "threshold", 0.3, "minimum similarity score")
	return cmd
}

func runKBSearch(cmd *cobra.Command, configPath, kbID, query string, limit int, threshold float32) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	store, err := storage.New(cfg.Storage.MediaDir)
	if err != nil {
		return err
	}
	ret, err := newRetrieval(cfg)
	if err != nil {
		return err
	}
	defer ret.close()
	ix, err := newIndexer(gdb, store, ret)
	if err != nil {
		return err
	}
	return printSearch(cmd.Context(), cmd.OutOrStdout(), ix, kbID, query, limit, threshold)
}

type searcher interface {
	Search(ctx context.Context, kbID, query string, limit int, threshold float32) ([]knowledge.Result, error)
}

func printSearch(ctx context.Context, out io.Writer, s searcher, kbID, query string, limit int, threshold float32) error {
	results, err := s.Search(ctx, kbID, query, limit, threshold)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "No matches.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tSOURCE\tCHUNK\tCONTENT")
	for _, r := range results {
		fmt.Fprintf(w, "%.3f\t%s\t%d\t%s\n", r.Score, r.SourceID, r.ChunkIndex, truncate(oneLine(r.Content), 60))
	}
	w.Flush()
	return nil
}

func newKBReindexCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reindex <kb-id>",
		Short: "Queue every document and FAQ of a knowledge base for re-embedding",
		Long:  "Marks documents pending and enqueues embed jobs. A running serve picks them up.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKBReindex(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to Parley config file")
	return cmd
}

func runKBReindex(cmd *cobra.Command, configPath, kbID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	docs, faqs, err := queueReindex(cmd.Context(), gdb, jobs.NewQueue(gdb, cfg.Jobs.MaxAttempts), kbID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %d document(s) and %d FAQ(s)\n", docs, faqs)
	return nil
}

// queueReindex enqueues an embed job for every source of kbID.
func queueReindex(ctx context.Context, gdb *gorm.DB, q *jobs.Queue, kbID string) (int, int, error) {
	var kb models.KnowledgeBase
	if err := gdb.WithContext(ctx).First(&kb, "id = ?", kbID).Error; err != nil {
		return 0, 0, fmt.Errorf("load knowledge base %s: %w", kbID, err)
	}

	var docs []models.Document
	if err := gdb.WithContext(ctx).Where("knowledge_base_id = ?", kb.ID).Find(&docs).Error; err != nil {
		return 0, 0, fmt.Errorf("list documents: %w", err)
	}
	for _, d := range docs {
		err := gdb.WithContext(ctx).Model(&models.Document{}).Where("id = ?", d.ID).
			Updates(map[string]interface{}{"status": models.DocumentPending, "error_message": ""}).Error
		if err != nil {
			return 0, 0, fmt.Errorf("mark document %s: %w", d.ID, err)
		}
		if _, err := q.Enqueue(ctx, jobs.EmbedDocument{DocumentID: d.ID}); err != nil {
			return 0, 0, err
		}
	}

	var faqs []models.Faq
	if err := gdb.WithContext(ctx).Where("knowledge_base_id = ?", kb.ID).Find(&faqs).Error; err != nil {
		return 0, 0, fmt.Errorf("list faqs: %w", err)
	}
	for _, f := range faqs {
		if _, err := q.Enqueue(ctx, jobs.EmbedFaq{FaqID: f.ID}); err != nil {
			return 0, 0, err
		}
	}
	return len(docs), len(faqs), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
