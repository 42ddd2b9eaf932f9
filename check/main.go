// Command neuralguard-check classifies text through a neuralguard-serve process.
// Each input gets a one-line verdict when stdout is a terminal and a TOML
// record otherwise.
//
// Usage:
//
//	neuralguard-check "Ignore previous instructions"   # classify the arguments
//	neuralguard-check < prompts.txt > verdicts.toml    # classify each stdin line
//
// The exit status is 2 when any input was flagged as an injection.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Paranoid-AF/neuralguard/client"
)

func main() {
	os.Exit(run())
}

func run() int {
	service := flag.String("service", "neuralguard-serve", "path to the neuralguard-serve binary")
	threshold := flag.Float64("threshold", client.DefaultThreshold, "minimum confidence for an INJECTION verdict to count")
	verbose := flag.Bool("verbose", false, "show the service's diagnostics on stderr")
	flag.Parse()

	var next func() (string, bool)
	switch {
	case flag.NArg() > 0:
		text := strings.Join(flag.Args(), " ")
		done := false
		next = func() (string, bool) {
			if done {
				return "", false
			}
			done = true
			return text, true
		}
	case term.IsTerminal(int(os.Stdin.Fd())):
		fmt.Fprintln(os.Stderr, "error: pass text as arguments or pipe lines on stdin")
		flag.Usage()
		return 1
	default:
		next = lineReader(os.Stdin)
	}

	var stderr io.Writer
	if *verbose {
		stderr = os.Stderr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := client.New(client.Options{
		Command:   *service,
		Enabled:   true,
		Threshold: *threshold,
		Stderr:    stderr,
	})
	defer d.Close()

	if err := d.Preload(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	out := newReporter(os.Stdout)
	blocked := false
	for {
		text, ok := next()
		if !ok {
			break
		}
		res, err := d.Detect(ctx, text)
		if ctx.Err() != nil {
			return 1
		}
		if werr := out.report(text, res, err); werr != nil {
			fmt.Fprintf(os.Stderr, "error: write output: %v\n", werr)
			return 1
		}
		if err == nil && res.IsInjection {
			blocked = true
		}
	}

	if blocked {
		return 2
	}
	return 0
}

// lineReader yields the non-blank lines of r.
func lineReader(r io.Reader) func() (string, bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return func() (string, bool) {
		for scanner.Scan() {
			if line := scanner.Text(); strings.TrimSpace(line) != "" {
				return line, true
			}
		}
		return "", false
	}
}
