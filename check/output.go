package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"

	neuralguard "github.com/Paranoid-AF/neuralguard"
)

const previewRunes = 60

// reporter prints verdicts, briefly on a terminal and as TOML otherwise.
type reporter struct {
	w    io.Writer
	tty  bool
	seen int
}

func newReporter(f *os.File) *reporter {
	return &reporter{w: f, tty: term.IsTerminal(int(f.Fd()))}
}

type entry struct {
	Input           string  `toml:"input"`
	Label           string  `toml:"label,omitempty"`
	IsInjection     bool    `toml:"is_injection"`
	Confidence      float64 `toml:"confidence"`
	InferenceTimeMs float64 `toml:"inference_time_ms"`
	Error           string  `toml:"error,omitempty"`
}

// report writes one verdict. It returns the first error from the output writer.
func (r *reporter) report(text string, res *neuralguard.Result, err error) error {
	r.seen++
	if r.tty {
		return r.summary(text, res, err)
	}
	e := entry{Input: text}
	if err != nil {
		e.Error = err.Error()
	} else {
		e.Label = res.Label
		e.IsInjection = res.IsInjection
		e.Confidence = res.Confidence
		e.InferenceTimeMs = res.InferenceTimeMs
	}
	header := "[[verdict]]\n"
	if r.seen > 1 {
		header = "\n" + header
	}
	if _, werr := io.WriteString(r.w, header); werr != nil {
		return werr
	}
	return toml.NewEncoder(r.w).Encode(e)
}

func (r *reporter) summary(text string, res *neuralguard.Result, err error) error {
	if err != nil {
		_, werr := fmt.Fprintf(r.w, "ERROR     %s: %v\n", preview(text), err)
		return werr
	}
	mark := " "
	if res.IsInjection {
		mark = "!"
	}
	_, werr := fmt.Fprintf(r.w, "%s %-9s %5.1f%% %7.1fms  %s\n", mark, res.Label, res.Confidence*100, res.InferenceTimeMs, preview(text))
	return werr
}

// preview shortens text to a single line of at most previewRunes runes.
func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes-1]) + "…"
}
