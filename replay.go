package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pockode/codexbridge/agent/codex"
	"github.com/pockode/codexbridge/dispatch"
	"github.com/pockode/codexbridge/message"
	"github.com/pockode/codexbridge/stream"
	"github.com/pockode/codexbridge/toolcall"
	"github.com/spf13/cobra"
)

const maxRecordSize = 1024 * 1024

var replayConversation string

var replayCmd = &cobra.Command{
	Use:   "replay [file]",
	Short: "Run a recorded codex event stream through the dispatcher",
	Long: `Replay reads one codex record per line (codex/event notifications,
elicitation/create requests or bare event objects) from a file or stdin and
prints the resulting UI messages as JSON lines. Nothing is persisted and no
codex process is started.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return replay(cmd.Context(), in, cmd.OutOrStdout(), replayConversation)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayConversation, "conversation", "replay", "Conversation id stamped on emitted messages")
	rootCmd.AddCommand(replayCmd)
}

type replayRecord struct {
	message.Message
	Persist bool `json:"persist"`
}

// jsonlEmitter writes every message as one JSON line.
type jsonlEmitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (e *jsonlEmitter) EmitAndPersist(_ context.Context, msg message.Message, persist bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(replayRecord{Message: msg, Persist: persist})
}

func replay(ctx context.Context, r io.Reader, w io.Writer, conversationID string) error {
	out := &jsonlEmitter{enc: json.NewEncoder(w)}
	tracker := toolcall.NewTracker(conversationID, out)
	assembler := stream.NewAssembler(conversationID, out, stream.DefaultIdleTimeout)
	d := dispatch.New(conversationID, assembler, tracker, out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := codex.DecodeRecord(line)
		if err != nil {
			slog.Warn("skipping record", "line", lineNo, "error", err)
			continue
		}
		d.Handle(ctx, ev)
	}

	d.Wait()
	assembler.Cleanup()
	tracker.Cleanup()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	return nil
}
