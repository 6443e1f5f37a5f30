package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/textenc/internal/config"
	"github.com/MrWong99/textenc/internal/encode"
)

// maxLineBytes bounds a single input text.
const maxLineBytes = 16 << 20

func newEncodeCmd(reg *config.Registry, loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		input, output string
		parallel      bool
	)
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode one text per input line into JSON-lines vectors",
		Long: `Reads one text per line and writes one JSON object per text,
{"index":i,"vector":[...]}, in input order. Cached texts are not sent to the
encoder again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			in, closeIn, err := openInput(cmd, input)
			if err != nil {
				return err
			}
			defer closeIn()
			out, commit, abort, err := openOutput(cmd, output)
			if err != nil {
				return err
			}
			if err := runEncode(cmd.Context(), cfg, reg, in, out, parallel); err != nil {
				abort()
				return err
			}
			return commit()
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", `file with one text per line, "-" for stdin`)
	cmd.Flags().StringVarP(&output, "output", "o", "-", `JSON-lines output file, "-" for stdout`)
	cmd.Flags().BoolVar(&parallel, "parallel", false, "encode up to batch.max_concurrency chunks at once")
	return cmd
}

// runEncode reads texts from in, encodes them and writes the vectors to out.
func runEncode(ctx context.Context, cfg *config.Config, reg *config.Registry, in io.Reader, out io.Writer, parallel bool) error {
	rt, err := newRuntime(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer rt.Close()

	stopTelemetry, err := startTelemetry(ctx, cfg.Telemetry, rt.checkers())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer stopTelemetry()

	texts, err := readTexts(in)
	if err != nil {
		return err
	}

	orch, err := rt.orchestrator(cfg.Batch, encode.WithProgress(progressLogger(time.Now())))
	if err != nil {
		return err
	}

	run := orch.Encode
	if parallel {
		run = orch.EncodeParallel
	}
	vecs, err := run(ctx, texts)
	if err != nil {
		var ce *encode.ChunkError
		if errors.As(err, &ce) && ce.Position >= 0 {
			slog.Error("input rejected by encoder",
				"line", ce.Position+1,
				"bytes", len(texts[ce.Position]),
				"est_tokens", rt.enc.CountTokens(texts[ce.Position:ce.Position+1]),
			)
		}
		return err
	}
	return writeVectors(out, vecs)
}

// readTexts returns one text per line. Line numbers map 1:1 to output
// indices, so empty lines are kept.
func readTexts(r io.Reader) ([]string, error) {
	var texts []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		texts = append(texts, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input line %d: %w", len(texts)+1, err)
	}
	return texts, nil
}

type vectorRecord struct {
	Index  int       `json:"index"`
	Vector []float32 `json:"vector"`
}

func writeVectors(w io.Writer, vecs [][]float32) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, v := range vecs {
		if err := enc.Encode(vectorRecord{Index: i, Vector: v}); err != nil {
			return fmt.Errorf("write vector %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// progressLogger logs at each tenth of the chunks and at completion.
func progressLogger(start time.Time) encode.ProgressFunc {
	lastDecile := 0
	return func(done, total int) {
		decile := done * 10 / total
		if decile == lastDecile && done != total {
			return
		}
		lastDecile = decile
		slog.Info("encode progress",
			"chunks_done", done,
			"chunks_total", total,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// openOutput returns a writer for path. A file is written to a temporary
// sibling that commit renames over path; abort discards it, so a failed run
// leaves any previous output untouched.
func openOutput(cmd *cobra.Command, path string) (w io.Writer, commit func() error, abort func(), err error) {
	if path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, func() {}, nil
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, nil, nil, err
	}
	abort = func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	commit = func() error {
		if err := f.Chmod(0o644); err != nil {
			abort()
			return fmt.Errorf("output: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(f.Name())
			return fmt.Errorf("output: %w", err)
		}
		if err := os.Rename(f.Name(), path); err != nil {
			_ = os.Remove(f.Name())
			return fmt.Errorf("output: %w", err)
		}
		return nil
	}
	return f, commit, abort, nil
}
