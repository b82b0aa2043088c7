package main

import (
	"fmt"
	"os"
)

// Version information set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, "driftd - dependency-aware feature evaluator\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  driftd <command> [flags] [manifest.yaml ...]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve              Serve the graph over HTTP\n")
	fmt.Fprintf(os.Stderr, "  resolve <feature>  Resolve one feature and print its record\n")
	fmt.Fprintf(os.Stderr, "  validate           Load manifests and report graph problems\n")
	fmt.Fprintf(os.Stderr, "  measures           List available measurement types\n")
	fmt.Fprintf(os.Stderr, "  version            Show version information\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  driftd serve -addr :8264 -tokens s3cret lab.yaml\n")
	fmt.Fprintf(os.Stderr, "  driftd resolve spec -manifest lab.yaml\n")
	fmt.Fprintf(os.Stderr, "  driftd validate lab.yaml probes.yaml\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "version":
		printVersion()
	case "serve":
		err = runServe(args)
	case "resolve":
		err = runResolve(args)
	case "validate":
		err = runValidate(args)
	case "measures":
		err = runMeasures()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("driftd version %s\n", version)
	if version != "dev" {
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildDate)
	}
}
