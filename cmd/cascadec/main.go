package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/sbl8/cascade/cache"
	"github.com/sbl8/cascade/compiler"
	"github.com/sbl8/cascade/config"
	"github.com/sbl8/cascade/stream"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML configuration file")
		text       = flag.Bool("text", false, "Also write the text stream next to the binary")
		dumpRAM    = flag.Bool("dump-ram", false, "Append DUMP_DRAM for every intermediate buffer")
		dumpSRAM   = flag.Bool("dump-sram", false, "Append DUMP_SRAM after the cascade")
		useCache   = flag.Bool("cache", false, "Reuse and store compiled streams in the cache")
		dbPath     = flag.String("db", "", "sqlite cache path override")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("cascadec - cascade compiler, stream format %s\n", stream.CurrentVersion)
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <net.toml> <out.bin>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	srcFile, outFile := args[0], args[1]

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	cfg.Compile.Text = cfg.Compile.Text || *text
	cfg.Compile.DumpRAM = cfg.Compile.DumpRAM || *dumpRAM
	cfg.Compile.DumpSRAM = cfg.Compile.DumpSRAM || *dumpSRAM
	cfg.Cache.Enabled = cfg.Cache.Enabled || *useCache
	if *dbPath != "" {
		cfg.Cache.DBPath = *dbPath
	}

	if !cfg.Cache.Enabled {
		res, err := compiler.CompileFile(srcFile, outFile, cfg)
		if err != nil {
			log.Fatalf("compilation failed: %v", err)
		}
		fmt.Printf("Successfully compiled %s -> %s (%d agents)\n", srcFile, outFile, len(res.Agents.List))
		return
	}

	if err := compileCached(context.Background(), srcFile, outFile, cfg); err != nil {
		log.Fatalf("compilation failed: %v", err)
	}
}

// compileCached serves outFile from the cache when the description and
// configuration were compiled before, and fills the cache otherwise.
func compileCached(ctx context.Context, srcFile, outFile string, cfg config.Config) error {
	logger := cfg.Logger()
	desc, err := os.ReadFile(srcFile)
	if err != nil {
		return fmt.Errorf("read description: %w", err)
	}
	key, err := cache.Key(desc, cfg)
	if err != nil {
		return err
	}

	store, err := cache.Open(cfg.Cache.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	if entry, err := store.Get(ctx, key); err == nil {
		logger.Info("cache hit", "key", key[:12], "source", entry.Source, "hits", entry.Hits)
		if err := writeOutputs(entry.Stream, outFile, cfg.Compile.Text); err != nil {
			return err
		}
		fmt.Printf("Reused cached %s -> %s (%d agents)\n", srcFile, outFile, entry.NumAgents)
		return nil
	}

	res, err := compiler.CompileFile(srcFile, outFile, cfg)
	if err != nil {
		return err
	}
	if _, err := store.Put(ctx, cache.Entry{
		Key:       key,
		Source:    srcFile,
		NumAgents: len(res.Agents.List),
		Stream:    res.Binary,
	}); err != nil {
		logger.Warn("cache store failed", "error", err)
	}
	fmt.Printf("Successfully compiled %s -> %s (%d agents)\n", srcFile, outFile, len(res.Agents.List))
	return nil
}

func writeOutputs(bin []byte, outFile string, text bool) error {
	if err := os.WriteFile(outFile, bin, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if !text {
		return nil
	}
	s, err := stream.Decode(bin)
	if err != nil {
		return fmt.Errorf("cached stream: %w", err)
	}
	rendered, err := stream.RenderText(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(compiler.TextPath(outFile), []byte(rendered), 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
