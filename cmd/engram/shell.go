package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lexlapax/engram/pkg/engram"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/memory"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

const shellHelp = `Commands:
  store <text>            Store a memory
  recall <query>          Recall similar memories
  get <id>                Show a memory
  like <id> [note]        Positive feedback
  dislike <id> [note]     Negative feedback
  correct <id> <text>     Correct a memory, storing the corrected text
  link <id>               Rerun relation discovery
  annotate <id> <json>    Merge metadata
  consolidate             Run one consolidation pass
  export                  Write a snapshot to the backup target
  help                    Show this help
  quit                    Exit`

var shellCommands = []string{
	"store", "recall", "get", "like", "dislike", "correct",
	"link", "annotate", "consolidate", "export", "help", "quit",
}

func newShellCmd(opts *rootOptions) *cobra.Command {
	var stdinMode bool

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive memory shell",
		Long:  "Run commands against one engine instance. With -s, commands are read line by line from stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			sh := &shell{engram: e, opts: opts, out: cmd.OutOrStdout()}
			if stdinMode {
				return sh.runScript(cmd.Context(), cmd.InOrStdin())
			}
			return sh.runInteractive(cmd.Context())
		},
	}

	cmd.Flags().BoolVarP(&stdinMode, "stdin", "s", false, "Read commands from stdin and exit when complete")
	return cmd
}

type shell struct {
	engram *engram.Engram
	opts   *rootOptions
	out    io.Writer
}

// runScript executes newline separated commands. Blank lines and lines
// starting with # are skipped.
func (s *shell) runScript(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !s.exec(ctx, line) {
			return nil
		}
	}
	return scanner.Err()
}

func (s *shell) runInteractive(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) (c []string) {
		for _, name := range shellCommands {
			if strings.HasPrefix(name, input) {
				c = append(c, name)
			}
		}
		return
	})

	historyFile := filepath.Join(os.TempDir(), ".engram_history")
	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	cfg := s.engram.Config()
	fmt.Fprintf(s.out, "engram shell (store: %s, cache: %s, embedder: %s)\n",
		cfg.Store.Driver, cfg.Cache.Driver, cfg.Embedder.Provider)
	fmt.Fprintln(s.out, "Type help for available commands.")

	for {
		input, err := line.Prompt("engram> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(s.out, "Goodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if !s.exec(ctx, input) {
			fmt.Fprintln(s.out, "Goodbye!")
			return nil
		}
	}
}

// exec runs one command line and reports whether the shell should continue.
// Command errors are printed, never fatal.
func (s *shell) exec(ctx context.Context, input string) bool {
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	if err := s.dispatch(ctx, strings.ToLower(name), rest); err != nil {
		if err == errQuit {
			return false
		}
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return true
}

var errQuit = errors.New("quit")

func (s *shell) dispatch(ctx context.Context, name, rest string) error {
	e := s.engram.Engine

	switch name {
	case "quit", "exit":
		return errQuit

	case "help":
		fmt.Fprintln(s.out, shellHelp)
		return nil

	case "store":
		rec, err := e.Store(ctx, rest, "shell", nil)
		if err != nil {
			return err
		}
		return s.opts.print(s.out, rec)

	case "recall":
		records, err := e.Recall(ctx, rest, 0, e.Config().RecallThreshold)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(s.out, "no matching memories")
			return nil
		}
		return s.opts.print(s.out, records)

	case "get":
		rec, err := e.Get(ctx, rest)
		if err != nil {
			return err
		}
		return s.opts.print(s.out, rec)

	case "like", "dislike":
		id, note, _ := strings.Cut(rest, " ")
		var payload memory.Payload = memory.PositivePayload{Note: strings.TrimSpace(note)}
		kind := memory.KindPositive
		if name == "dislike" {
			payload = memory.NegativePayload{Note: strings.TrimSpace(note)}
			kind = memory.KindNegative
		}
		res, err := e.SubmitFeedback(ctx, id, kind, payload)
		if err != nil {
			return err
		}
		return s.opts.print(s.out, res.Updated)

	case "correct":
		id, text, _ := strings.Cut(rest, " ")
		res, err := e.SubmitFeedback(ctx, id, memory.KindCorrection, memory.CorrectionPayload{
			CorrectedContent: strings.TrimSpace(text),
		})
		if err != nil {
			return err
		}
		if res.Derived != nil {
			return s.opts.print(s.out, *res.Derived)
		}
		return s.opts.print(s.out, res.Updated)

	case "link":
		rec, err := e.LinkRelated(ctx, rest)
		if err != nil {
			return err
		}
		return s.opts.print(s.out, rec)

	case "annotate":
		id, raw, _ := strings.Cut(rest, " ")
		metadata, err := parseMeta(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		rec, err := e.Annotate(ctx, id, metadata)
		if err != nil {
			return err
		}
		return s.opts.print(s.out, rec)

	case "consolidate":
		report, err := e.Consolidate(ctx)
		if err != nil {
			return err
		}
		return s.opts.print(s.out, report)

	case "export":
		location, stats, err := s.engram.Backup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "wrote %d memories and %d feedback events to %s\n",
			stats.TotalRecords, stats.TotalFeedback, location)
		return nil

	default:
		return fmt.Errorf("unknown command %q, type help for a list", name)
	}
}
