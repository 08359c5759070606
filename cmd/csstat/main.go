package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sbl8/cascade/config"
	"github.com/sbl8/cascade/runtime"
	"github.com/sbl8/cascade/stream"
)

var (
	trace   = flag.Bool("trace", false, "Print every simulated command")
	verbose = flag.Bool("verbose", false, "Log simulator progress")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <stream.bin>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("failed to read stream: %v", err)
	}
	s, err := stream.Decode(data)
	if err != nil {
		log.Fatalf("decode: %v", err)
	}

	opts := runtime.EngineOptions{Trace: *trace}
	if *verbose {
		cfg := config.Default()
		cfg.Logging.Level = "debug"
		opts.Logger = cfg.Logger()
	}

	start := time.Now()
	results, err := runtime.Simulate(context.Background(), s, opts)
	if err != nil {
		log.Fatalf("simulation failed: %v", err)
	}
	elapsed := time.Since(start)

	fmt.Printf("Command stream %s, %d bytes, %d top-level commands\n", s.Version, len(data), len(s.Commands))
	for i, c := range s.Cascades() {
		printCascade(i, c, results[i])
	}
	fmt.Printf("Simulated in %v\n", elapsed)
}

func printCascade(n int, c *stream.Cascade, res *runtime.Result) {
	fmt.Printf("\nCascade %d: %d agents\n", n, len(c.Agents))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tCOMMANDS\tWAITS")
	for q := stream.Queue(0); q < stream.NumQueues; q++ {
		fmt.Fprintf(w, "%s\t%d\t%d\n", q, res.Stats.Commands[q], res.Stats.Waits[q])
	}
	_ = w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tTYPE\tSTRIPES\tWORK")
	for i, a := range c.Agents {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\n", i, a.Data.AgentType(), a.NumStripesTotal, res.Stats.WorkCommands[i])
	}
	_ = w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COUNTER\tFINAL")
	for ctr := stream.CounterName(0); ctr < stream.NumCounters; ctr++ {
		fmt.Fprintf(w, "%s\t%d\n", ctr, res.Stats.Counters[ctr])
	}
	_ = w.Flush()

	if *trace {
		fmt.Println()
		for _, ev := range res.Events {
			switch {
			case ev.Type == stream.CmdWaitForCounter:
				fmt.Printf("%-6s %3d  %s %s>=%d\n", ev.Queue, ev.Index, ev.Type, ev.Counter, ev.Value)
			case ev.HasCounter:
				fmt.Printf("%-6s %3d  %s agent %d  %s=%d\n", ev.Queue, ev.Index, ev.Type, ev.Agent, ev.Counter, ev.Value)
			default:
				fmt.Printf("%-6s %3d  %s agent %d\n", ev.Queue, ev.Index, ev.Type, ev.Agent)
			}
		}
	}
}
