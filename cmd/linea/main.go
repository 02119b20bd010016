package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"linea/internal/collection"
	"linea/internal/config"
	"linea/internal/crawler"
	"linea/internal/extractor"
	"linea/internal/generator"
	"linea/internal/ir"
	"linea/internal/storage"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "linea",
		Short: "Turn traced Python sessions into sliced scripts and pipelines",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}
	dbPath     string
	configPath string

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Path to the trace database (SQLite); overrides store.path")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "linea.yaml", "Path to the YAML config file")

	importCmd.Flags().BoolP("watch", "w", false, "Keep running and import snapshots as they are written (directories only)")
	moduleCmd.Flags().StringArray("dep", nil, "Artifact dependency as ARTIFACT=PREREQ[,PREREQ...] (repeatable)")
	moduleCmd.Flags().Bool("keep-save-calls", false, "Re-emit lineapy.save calls (single-session output only)")
	requirementsCmd.Flags().StringArray("dep", nil, "Artifact dependency as ARTIFACT=PREREQ[,PREREQ...] (repeatable)")
	pipelineCmd.Flags().StringArray("dep", nil, "Artifact dependency as ARTIFACT=PREREQ[,PREREQ...] (repeatable)")
	diagramCmd.Flags().StringArray("dep", nil, "Artifact dependency as ARTIFACT=PREREQ[,PREREQ...] (repeatable)")
	pipelineCmd.Flags().StringP("name", "n", "", "Pipeline name; overrides codegen.pipeline_name")
	pipelineCmd.Flags().StringP("output", "o", "", "Output directory; overrides codegen.output_dir")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(artifactsCmd)
	rootCmd.AddCommand(sliceCmd)
	rootCmd.AddCommand(moduleCmd)
	rootCmd.AddCommand(requirementsCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(diagramCmd)
}

// setup loads the config and installs the default logger.
func setup() error {
	var err error
	cfg, err = config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	// Text on a terminal, JSON when stderr is captured.
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// initStore opens the SQLite store.
func initStore() (*storage.SQLiteStore, error) {
	return storage.NewSQLiteStore(cfg.Store.Path)
}

// parseDependencies reads ARTIFACT=PREREQ[,PREREQ...] flags.
func parseDependencies(cmd *cobra.Command) (collection.Dependencies, error) {
	raw, err := cmd.Flags().GetStringArray("dep")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	deps := make(collection.Dependencies, len(raw))
	for _, r := range raw {
		name, prereqs, ok := strings.Cut(r, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --dep %q, want ARTIFACT=PREREQ[,PREREQ...]", r)
		}
		for _, p := range strings.Split(prereqs, ",") {
			if p = strings.TrimSpace(p); p != "" {
				deps[name] = append(deps[name], p)
			}
		}
	}
	return deps, nil
}

// parseRefs reads artifact[@version] arguments.
func parseRefs(args []string) ([]collection.Ref, error) {
	refs := make([]collection.Ref, 0, len(args))
	for _, a := range args {
		ref, err := collection.ParseRef(a)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// openCollection resolves artifact refs against the store.
func openCollection(ctx context.Context, store *storage.SQLiteStore, args []string) (*collection.ArtifactCollection, error) {
	refs, err := parseRefs(args)
	if err != nil {
		return nil, err
	}
	return collection.New(ctx, store, refs)
}

var importCmd = &cobra.Command{
	Use:   "import <snapshot|dir>",
	Short: "Import traced session snapshots (YAML or JSON) into the database",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		store, err := initStore()
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer store.Close()

		save := func(path string, snap *ir.Snapshot) error {
			if err := store.SaveSnapshot(ctx, snap); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("  -> session %s: %d nodes, %d artifacts\n", snap.Session.ID, len(snap.Nodes), len(snap.Artifacts))
			return nil
		}

		cr := crawler.NewCrawler(slog.Default())
		watch, _ := cmd.Flags().GetBool("watch")
		var w *crawler.Watcher
		if watch {
			// Register before the initial scan so nothing written in between is lost.
			w, err = cr.Watch(args[0])
			if err != nil {
				log.Fatalf("Failed to watch %s: %v", args[0], err)
			}
			defer w.Close()
		}

		fmt.Printf("📂 Scanning %s\n", args[0])
		start := time.Now()
		sessions := 0
		err = cr.ScanSnapshots(args[0], func(path string, snap *ir.Snapshot) error {
			sessions++
			return save(path, snap)
		})
		if err != nil {
			log.Fatalf("Import failed: %v", err)
		}
		fmt.Printf("✅ Imported %d sessions in %v. Database: %s\n", sessions, time.Since(start), cfg.Store.Path)

		if w == nil {
			return
		}
		fmt.Println("👀 Watching for new snapshots (Ctrl-C to stop)...")
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		if err := w.Run(ctx, save); err != nil {
			log.Fatalf("Watch failed: %v", err)
		}
	},
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List stored artifacts",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := initStore()
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer store.Close()

		arts, err := store.ListArtifacts(context.Background())
		if err != nil {
			log.Fatalf("Failed to list artifacts: %v", err)
		}
		for _, a := range arts {
			fmt.Printf("%s@%d\tsession=%s\tnode=%s\n", a.Name, a.Version, a.SessionID, a.NodeID)
		}
	},
}

var sliceCmd = &cobra.Command{
	Use:   "slice <artifact[@version]>...",
	Short: "Print the minimal source lines needed to recompute artifacts of one session",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		store, err := initStore()
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer store.Close()

		refs, err := parseRefs(args)
		if err != nil {
			log.Fatalf("%v", err)
		}
		code, err := collection.ProgramSlice(ctx, store, refs)
		if err != nil {
			log.Fatalf("Failed to slice: %v", err)
		}
		fmt.Print(code)
	},
}

var moduleCmd = &cobra.Command{
	Use:   "module <artifact[@version]>...",
	Short: "Generate a Python module that recomputes the given artifacts",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		deps, err := parseDependencies(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}
		keep, _ := cmd.Flags().GetBool("keep-save-calls")
		keep = keep || cfg.Codegen.KeepSaveCalls

		store, err := initStore()
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer store.Close()

		c, err := openCollection(ctx, store, args)
		if err != nil {
			log.Fatalf("Failed to resolve artifacts: %v", err)
		}

		var code string
		if sessions := c.Sessions(); len(sessions) == 1 && len(deps) == 0 {
			code, err = sessions[0].GenerateCode(keep, cfg.Codegen.Indentation)
		} else {
			code, err = c.GenerateModule(deps, cfg.Codegen.Indentation)
		}
		if err != nil {
			log.Fatalf("Failed to generate module: %v", err)
		}
		if err := extractor.CheckPython(ctx, code); err != nil {
			log.Fatalf("Generated module does not parse: %v", err)
		}
		fmt.Print(code)
	},
}

var requirementsCmd = &cobra.Command{
	Use:   "requirements <artifact[@version]>...",
	Short: "Print the pinned libraries the given artifacts depend on",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		deps, err := parseDependencies(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}

		store, err := initStore()
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer store.Close()

		c, err := openCollection(ctx, store, args)
		if err != nil {
			log.Fatalf("Failed to resolve artifacts: %v", err)
		}
		reqs, err := c.GenerateRequirements(ctx, deps)
		if err != nil {
			log.Fatalf("Failed to generate requirements: %v", err)
		}
		fmt.Print(reqs)
	},
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline <artifact[@version]>...",
	Short: "Write the module and requirements files for the given artifacts",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		deps, err := parseDependencies(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = cfg.Codegen.PipelineName
		}
		outputDir, _ := cmd.Flags().GetString("output")
		if outputDir == "" {
			outputDir = cfg.Codegen.OutputDir
		}

		store, err := initStore()
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer store.Close()

		c, err := openCollection(ctx, store, args)
		if err != nil {
			log.Fatalf("Failed to resolve artifacts: %v", err)
		}

		files, err := c.WritePipelineFiles(ctx, deps, outputDir, name, cfg.Codegen.Indentation)
		if err != nil {
			log.Fatalf("Failed to write pipeline: %v", err)
		}

		module, err := os.ReadFile(files.Module)
		if err != nil {
			log.Fatalf("Failed to read back module: %v", err)
		}
		if err := extractor.CheckPython(ctx, string(module)); err != nil {
			log.Fatalf("Generated module does not parse: %v", err)
		}
		fns, err := extractor.FunctionNames(ctx, string(module))
		if err != nil {
			log.Fatalf("Failed to inspect module: %v", err)
		}
		fmt.Printf("📄 %s (%d functions)\n", files.Module, len(fns))
		fmt.Printf("📄 %s\n", files.Requirements)
	},
}

var diagramCmd = &cobra.Command{
	Use:   "diagram <artifact[@version]>...",
	Short: "Print a Mermaid flowchart of the generated pipeline functions",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		deps, err := parseDependencies(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}

		store, err := initStore()
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer store.Close()

		c, err := openCollection(ctx, store, args)
		if err != nil {
			log.Fatalf("Failed to resolve artifacts: %v", err)
		}
		sorted, err := c.SortSessionArtifacts(deps)
		if err != nil {
			log.Fatalf("Failed to order sessions: %v", err)
		}
		fmt.Print((&generator.MermaidGenerator{}).GeneratePipelineDiagram(sorted))
	},
}
