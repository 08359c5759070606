package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sbl8/cascade/runtime"
	"github.com/sbl8/cascade/stream"
)

func main() {
	var (
		out     = flag.String("o", "", "Write the text stream to this file instead of stdout")
		check   = flag.Bool("check", false, "Simulate every cascade before dumping")
		reverse = flag.Bool("parse", false, "Read a text stream and write the binary form")
	)
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

	if *reverse {
		s, err := stream.ParseText(data)
		if err != nil {
			log.Fatalf("parse: %v", err)
		}
		bin, err := stream.Encode(s)
		if err != nil {
			log.Fatalf("encode: %v", err)
		}
		if *out == "" {
			log.Fatalf("-parse needs -o")
		}
		if err := os.WriteFile(*out, bin, 0o644); err != nil {
			log.Fatalf("failed to write output: %v", err)
		}
		return
	}

	s, err := stream.Decode(data)
	if err != nil {
		log.Fatalf("decode: %v", err)
	}
	if *check {
		if _, err := runtime.Simulate(context.Background(), s, runtime.EngineOptions{}); err != nil {
			log.Fatalf("simulation failed: %v", err)
		}
	}
	text, err := stream.RenderText(s)
	if err != nil {
		log.Fatalf("render: %v", err)
	}
	if *out == "" {
		fmt.Print(text)
		return
	}
	if err := os.WriteFile(*out, []byte(text), 0o644); err != nil {
		log.Fatalf("failed to write output: %v", err)
	}
}
