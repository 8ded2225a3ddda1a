package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kohlhas/recollect/internal/config"
	"github.com/kohlhas/recollect/internal/embedder"
	"github.com/kohlhas/recollect/internal/ingest"
	"github.com/kohlhas/recollect/internal/query"
	"github.com/kohlhas/recollect/internal/search"
	"github.com/kohlhas/recollect/internal/storage"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Store a transcription payload",
	Long: `Store a transcription payload document.

The payload is read from the given file, or from stdin when the argument
is omitted or "-".

Examples:
  recollect ingest transcript.json
  whisper-dump --json | recollect ingest -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if len(args) == 0 || args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}

		var payload json.RawMessage
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/transcriptions", payload)
		if err != nil {
			return err
		}

		var result struct {
			ID       string `json:"id"`
			Segments int    `json:"segments"`
			Status   string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored conversation %s (%d segments, %s)", result.ID, result.Segments, result.Status)
		return nil
	},
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Find transcript segments by filters or a plain question",
	Long: `Find transcript segments by structured filters or a plain-language
question from the supported set.

Examples:
  recollect query --speaker user --contains deadline
  recollect query 'what was said about "deadlines"'
  recollect query --session sess-42 --from 30 --to 90`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if len(args) > 0 {
			body["question"] = strings.Join(args, " ")
		}
		if v, _ := cmd.Flags().GetString("speaker"); v != "" {
			body["speaker"] = v
		}
		if v, _ := cmd.Flags().GetString("session"); v != "" {
			body["session_id"] = v
		}
		if v, _ := cmd.Flags().GetString("contains"); v != "" {
			body["contains"] = v
		}
		if cmd.Flags().Changed("from") {
			v, _ := cmd.Flags().GetFloat64("from")
			body["time_from"] = v
		}
		if cmd.Flags().Changed("to") {
			v, _ := cmd.Flags().GetFloat64("to")
			body["time_to"] = v
		}
		if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
			body["limit"] = v
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/query", body)
		if err != nil {
			return err
		}

		var result struct {
			Matches []query.Match `json:"matches"`
			Count   int           `json:"count"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Count == 0 {
			fmt.Println("No matches found.")
			return nil
		}

		for i, m := range result.Matches {
			header := fmt.Sprintf("Match %d", i+1)
			fmt.Printf("\n%s [%s seq %d, %.1fs to %.1fs]\n",
				colorize(colorBold, header), m.ConversationID, m.Seq, m.StartTime, m.EndTime)
			if m.Speaker != "" {
				fmt.Printf("  Speaker: %s\n", m.Speaker)
			}
			fmt.Printf("  %s\n", m.Text)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().String("speaker", "", "restrict to one speaker")
	queryCmd.Flags().String("session", "", "restrict to one capture session")
	queryCmd.Flags().String("contains", "", "substring the segment text must contain")
	queryCmd.Flags().Float64("from", 0, "earliest segment start time in seconds")
	queryCmd.Flags().Float64("to", 0, "latest segment start time in seconds")
	queryCmd.Flags().Int("limit", 0, "maximum number of segments")
}

// --- sql ---

var sqlCmd = &cobra.Command{
	Use:   "sql <statement>",
	Short: "Run a validated read-only SQL statement",
	Long: `Run a single SELECT statement against the store. The statement is
validated before execution: only reads over the transcript tables are
allowed, and results are row-capped.

Examples:
  recollect sql 'SELECT speaker, COUNT(*) FROM conversations GROUP BY speaker'
  recollect sql 'SELECT text FROM segments WHERE conversation_id = ?' --param conv-1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, _ := cmd.Flags().GetStringArray("param")

		body := map[string]any{
			"sql": strings.Join(args, " "),
		}
		if len(params) > 0 {
			anyParams := make([]any, len(params))
			for i, p := range params {
				anyParams[i] = p
			}
			body["params"] = anyParams
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/query/sql", body)
		if err != nil {
			return err
		}

		var rs query.ResultSet
		if err := decodeJSON(resp, &rs); err != nil {
			return err
		}

		fmt.Println(colorize(colorBold, strings.Join(rs.Columns, "\t")))
		for _, row := range rs.Rows {
			fmt.Println(strings.Join(row, "\t"))
		}
		if rs.Capped {
			printWarning("row cap reached; results are truncated")
		}
		return nil
	},
}

func init() {
	sqlCmd.Flags().StringArray("param", nil, "positional bind parameter (repeatable)")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Semantic search over stored segments",
	Long: `Semantically search stored transcript segments.

The query text is embedded server-side, which requires a configured
embedding provider. Alternatively --vector-file supplies a raw query
embedding as a JSON array of numbers.

Examples:
  recollect search "plans for the launch"
  recollect search --vector-file query-vec.json --limit 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorFile, _ := cmd.Flags().GetString("vector-file")
		limit, _ := cmd.Flags().GetInt("limit")

		body := map[string]any{"top_k": limit}
		switch {
		case vectorFile != "":
			vec, err := readVectorFile(vectorFile)
			if err != nil {
				return err
			}
			body["embedding"] = vec
		case len(args) > 0:
			body["query"] = strings.Join(args, " ")
		default:
			return fmt.Errorf("query text or --vector-file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/search", body)
		if err != nil {
			return err
		}

		var result struct {
			Matches []search.Match `json:"matches"`
			Count   int            `json:"count"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Count == 0 {
			fmt.Println("No matches found.")
			return nil
		}

		for i, m := range result.Matches {
			header := fmt.Sprintf("Match %d", i+1)
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, header), m.Score)
			if m.Title != "" {
				fmt.Printf("  %s (%s)\n", m.Title, m.ConversationID)
			}
			fmt.Printf("  %s\n", m.Text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
	searchCmd.Flags().String("vector-file", "", "JSON file holding the query embedding")
}

func readVectorFile(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vector file: %w", err)
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("vector file must be a JSON array of numbers: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("vector file holds an empty array")
	}
	return vec, nil
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}

		var stats storage.Stats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Conversations", "%d", stats.Conversations)
		printStatus("Segments", "%d (%d embedded)", stats.Segments, stats.EmbeddedSegments)
		if stats.EmbeddingDim > 0 {
			printStatus("Embedding dim", "%d", stats.EmbeddingDim)
		}
		printStatus("Deletions", "%d", stats.Deletions)
		printStatus("Schema version", "%d", stats.SchemaVersion)
		printStatus("Store size", "%d bytes", stats.StoreBytes)
		return nil
	},
}

// --- backup ---

var backupCmd = &cobra.Command{
	Use:   "backup <destination>",
	Short: "Write a verified backup of the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Backing up to %s...", args[0])
		resp, err := client.post(cmd.Context(), "/backup", map[string]string{"path": args[0]})
		if err != nil {
			return err
		}

		var info storage.BackupInfo
		if err := decodeJSON(resp, &info); err != nil {
			return err
		}

		printSuccess("Backup verified: %d conversations, %d segments", info.Conversations, info.Segments)
		printStatus("Path", "%s", info.Path)
		printStatus("Size", "%d bytes", info.SizeBytes)
		printStatus("SHA-256", "%s", info.SHA256)
		return nil
	},
}

// --- purge ---

var purgeCmd = &cobra.Command{
	Use:   "purge <conversation-id>",
	Short: "Permanently delete one conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This permanently deletes conversation %s. Use --confirm to proceed.", args[0])
			return nil
		}
		reason, _ := cmd.Flags().GetString("reason")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/conversations/" + url.PathEscape(args[0]) + "?reason=" + url.QueryEscape(reason)
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			ID       string `json:"id"`
			Segments int    `json:"segments"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted conversation %s (%d segments)", result.ID, result.Segments)
		return nil
	},
}

func init() {
	purgeCmd.Flags().Bool("confirm", false, "confirm the deletion")
	purgeCmd.Flags().String("reason", "cli", "reason recorded in the audit log")
}

// --- import (offline) ---

var importCmd = &cobra.Command{
	Use:   "import <file.pdf>",
	Short: "Import a PDF document as a conversation (offline)",
	Long: `Import a PDF document directly into the store, one segment per page.

This command opens the store directly and does not need a running server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := ingest.FromPDF(args[0])
		if err != nil {
			return err
		}
		if session, _ := cmd.Flags().GetString("session"); session != "" {
			payload.SessionMetadata.SessionID = session
		}

		store, err := openStoreOffline()
		if err != nil {
			return err
		}
		defer store.Close()

		conv, segments, err := ingest.NewService(store).Ingest(cmd.Context(), payload)
		if err != nil {
			return err
		}

		printSuccess("Imported %s as conversation %s (%d segments)", args[0], conv.ID, segments)
		return nil
	},
}

func init() {
	importCmd.Flags().String("session", "", "session id recorded for the imported conversation")
}

// --- export (offline) ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the whole store as YAML (offline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		store, err := openStoreOffline()
		if err != nil {
			return err
		}
		defer store.Close()

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if err := store.ExportYAML(cmd.Context(), w); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported store to %s", output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
}

// --- embed (offline) ---

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Backfill embeddings for stored segments (offline)",
	Long: `Embed every stored segment that has no vector yet, using the
configured embedding provider. Runs against the store directly; stop the
server first to avoid write contention.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		emb, err := embedder.New(embedder.Options{
			Provider:      cfg.Embed.Provider,
			OllamaBaseURL: cfg.Embed.OllamaBaseURL,
			OllamaModel:   cfg.Embed.OllamaModel,
			OpenAIAPIKey:  cfg.Embed.OpenAIAPIKey,
			OpenAIModel:   cfg.Embed.OpenAIModel,
		})
		if err != nil {
			return err
		}
		if emb == nil {
			return fmt.Errorf("no embedding provider configured; set embed.provider to ollama or openai")
		}

		conversationID, _ := cmd.Flags().GetString("conversation")

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		ctx := cmd.Context()
		total := 0
		for {
			segments, err := store.SegmentsMissingEmbedding(ctx, conversationID, 100)
			if err != nil {
				return err
			}
			if len(segments) == 0 {
				break
			}

			texts := make([]string, len(segments))
			for i, seg := range segments {
				texts[i] = seg.Text
			}
			vecs, err := embedder.EmbedBatch(ctx, emb, texts)
			if err != nil {
				return err
			}
			for i, seg := range segments {
				if err := store.SetSegmentEmbedding(ctx, seg.ID, vecs[i]); err != nil {
					return err
				}
			}

			total += len(segments)
			printStep("Embedded %d segments...", total)
			if len(segments) < 100 {
				break
			}
		}

		if total == 0 {
			fmt.Println("Nothing to embed.")
			return nil
		}
		printSuccess("Embedded %d segments with %s", total, emb.Name())
		return nil
	},
}

func init() {
	embedCmd.Flags().String("conversation", "", "only embed segments of this conversation")
}

func openStoreOffline() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
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
