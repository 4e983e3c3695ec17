// Command ha-rag-bridge is the retrieval core's manual-testing and
// operations CLI. Its command tree (root + RunE-per-leaf + persistent
// flags wired in init) follows the teacher's cmd/sqvect/main.go shape;
// the embedding/document subcommands are replaced with the bridge's own
// query/ingest/config surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lopeti/ha-rag-bridge/internal/config"
	"github.com/lopeti/ha-rag-bridge/internal/logging"
	"github.com/lopeti/ha-rag-bridge/pkg/cluster"
	"github.com/lopeti/ha-rag-bridge/pkg/conversation"
	"github.com/lopeti/ha-rag-bridge/pkg/convmemory"
	"github.com/lopeti/ha-rag-bridge/pkg/entity"
	"github.com/lopeti/ha-rag-bridge/pkg/llm"
	"github.com/lopeti/ha-rag-bridge/pkg/pipeline"
)

var (
	entityDBPath  string
	clusterDBPath string
	memoryDBPath  string
	logLevel      string
	embedDim      int
)

var rootCmd = &cobra.Command{
	Use:   "ha-rag-bridge",
	Short: "Retrieval core for the smart-home conversational bridge",
	Long:  `Runs and inspects the conversation-to-context retrieval pipeline: entities, clusters, and conversation memory backed by SQLite.`,
}

var queryCmd = &cobra.Command{
	Use:   "query <utterance>",
	Short: "Run one utterance through the retrieval pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		debug, _ := cmd.Flags().GetBool("debug")
		outputJSON, _ := cmd.Flags().GetBool("json")

		orch, closeFn, err := openPipeline()
		if err != nil {
			return err
		}
		defer closeFn()

		if session == "" {
			session = "cli-session"
		}

		ctx := context.Background()
		resp, err := orch.Handle(ctx, pipeline.Request{
			SessionID: session,
			Utterance: args[0],
			Debug:     debug,
		})
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if outputJSON {
			data, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Scope: %s (confidence %.2f, optimal_k %d)\n", resp.Scope.Detected, resp.Scope.Confidence, resp.Scope.OptimalK)
		fmt.Printf("Rewrite: %q -> %q (%s, confidence %.2f)\n", resp.Rewrite.Original, resp.Rewrite.Rewritten, resp.Rewrite.Method, resp.Rewrite.Confidence)
		fmt.Println()
		fmt.Println(resp.Context)
		if debug && resp.Trace != nil {
			fmt.Println()
			fmt.Println("Trace:")
			for _, s := range resp.Trace.Stages {
				fmt.Printf("  %-20s %-10s in=%-3d out=%-3d %v %s\n", s.Name, s.Type, s.InputCount, s.OutputCount, s.Duration, s.Details)
			}
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the bridge's configuration surface",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every configuration field, its default, and its constraints",
	RunE: func(cmd *cobra.Command, args []string) error {
		outputJSON, _ := cmd.Flags().GetBool("json")
		fields := config.Schema()

		if outputJSON {
			data, _ := json.MarshalIndent(fields, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		for _, f := range fields {
			fmt.Printf("%-26s default=%-12s constraints=%-28s %s\n", f.Name, f.Default, f.Constraints, f.Description)
		}
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <json-file>",
	Short: "Load entities from a JSON file into the entity store",
	Long:  `Reads a JSON array of {entity_id, domain, area, device_class, friendly_name, unit, text, state} objects, embeds each with the deterministic fake embedder (pkg/llm.FakeEmbedder) at --embed-dim, and upserts them into the entity store. Ingestion from a live Home Assistant registry is an external collaborator (see spec's non-goals); this is the bulk-load path for seeding a store by hand.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		var rows []struct {
			EntityID     string `json:"entity_id"`
			Domain       string `json:"domain"`
			Area         string `json:"area"`
			DeviceClass  string `json:"device_class"`
			FriendlyName string `json:"friendly_name"`
			Unit         string `json:"unit"`
			Text         string `json:"text"`
			State        string `json:"state"`
		}
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}

		ctx := context.Background()
		store, err := entity.Open(ctx, entity.Config{Path: entityDBPath, Dim: embedDim, Logger: logging.NewStdout(parseLevel(logLevel))})
		if err != nil {
			return fmt.Errorf("failed to open entity store: %w", err)
		}
		defer store.Close()

		embedder := llm.NewFakeEmbedder(embedDim)
		for _, r := range rows {
			text := r.Text
			if text == "" {
				text = r.FriendlyName
			}
			vec, err := embedder.Embed(ctx, text)
			if err != nil {
				return fmt.Errorf("embed %s: %w", r.EntityID, err)
			}
			if err := store.Upsert(ctx, entity.Entity{
				EntityID: r.EntityID, Domain: r.Domain, Area: r.Area, DeviceClass: r.DeviceClass,
				FriendlyName: r.FriendlyName, Unit: r.Unit, Text: text, Embedding: vec, State: r.State,
				LastUpdated: time.Now(),
			}); err != nil {
				return fmt.Errorf("upsert %s: %w", r.EntityID, err)
			}
		}

		fmt.Printf("Ingested %d entities into %s\n", len(rows), entityDBPath)
		return nil
	},
}

// openPipeline opens the entity/cluster/memory stores at the configured
// paths and wires an Orchestrator around them. The embedder and
// cross-encoder are fakes (pkg/llm.FakeEmbedder/FakeCrossEncoder):
// wiring a real embedding/cross-encoder provider is an external
// collaborator, so this command is a manual-testing entry point against
// whatever has already been ingested, not a production server.
func openPipeline() (*pipeline.Orchestrator, func(), error) {
	ctx := context.Background()
	level := parseLevel(logLevel)

	zapLogger, err := logging.NewZap(logLevel, false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	es, err := entity.Open(ctx, entity.Config{Path: entityDBPath, Dim: embedDim, Logger: logging.NewStdout(level)})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open entity store: %w", err)
	}

	cs, err := cluster.Open(ctx, cluster.Config{Path: clusterDBPath, Dim: embedDim})
	if err != nil {
		es.Close()
		return nil, nil, fmt.Errorf("failed to open cluster index: %w", err)
	}

	mem, err := convmemory.Open(ctx, convmemory.Config{Path: memoryDBPath, Logger: zapLogger})
	if err != nil {
		es.Close()
		cs.Close()
		return nil, nil, fmt.Errorf("failed to open conversation memory: %w", err)
	}

	cfg := config.Default()
	cfg.EmbedDim = embedDim
	cfg.EntityDBPath = entityDBPath
	cfg.LogLevel = logLevel

	orch := pipeline.New(pipeline.Deps{
		Config:       cfg,
		Tables:       conversation.DefaultTables(),
		Clusters:     cs,
		Entities:     es,
		Memory:       mem,
		Embedder:     llm.NewFakeEmbedder(embedDim),
		CrossEncoder: llm.FakeCrossEncoder{},
		Logger:       zapLogger,
	})

	closeFn := func() {
		es.Close()
		cs.Close()
		mem.Close()
	}
	return orch, closeFn, nil
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&entityDBPath, "entity-db", "entities.db", "Entity store database file path")
	rootCmd.PersistentFlags().StringVar(&clusterDBPath, "cluster-db", "clusters.db", "Cluster index database file path")
	rootCmd.PersistentFlags().StringVar(&memoryDBPath, "memory-db", "memory.db", "Conversation memory database file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().IntVar(&embedDim, "embed-dim", 768, "Embedding vector dimension (384, 768, or 1536)")

	queryCmd.Flags().String("session", "", "Conversation session ID (default: the shared id cli-session)")
	queryCmd.Flags().Bool("debug", false, "Attach the per-stage trace to the response")
	queryCmd.Flags().Bool("json", false, "Output as JSON")

	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(queryCmd, configCmd, ingestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
