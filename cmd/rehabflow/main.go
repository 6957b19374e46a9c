// rehabflow is a debug REPL over the offline sync layer: inspect the local
// store and queue, flip connectivity, and soak the coordinator against a
// test server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ergochat/readline"
	"github.com/google/uuid"

	rehabflow "github.com/himo777777/Rehabflow-sub009"
	"github.com/himo777777/Rehabflow-sub009/remote"
	"github.com/himo777777/Rehabflow-sub009/store"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("status"),
	readline.PcItem("queue"),
	readline.PcItem("dead"),
	readline.PcItem("sync"),
	readline.PcItem("online"),
	readline.PcItem("offline"),
	readline.PcItem("session"),
	readline.PcItem("show"),
	readline.PcItem("drop"),
	readline.PcItem("clear"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func printRecords(recs []store.Record) {
	for _, rec := range recs {
		fmt.Printf("%s\t%s\n", rec.Key, string(rec.Value))
	}
}

func main() {
	dir := flag.String("dir", "rehabflow-data", "store directory")
	base := flag.String("base", "http://localhost:8080", "remote API base URL")
	flag.Parse()

	st, err := store.Open(store.Options{Dir: *dir}, store.DefaultSchema())
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	coord, err := rehabflow.NewCoordinator(rehabflow.Options{
		Store:  st,
		Client: remote.NewHTTPClient(*base),
	})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}

	events, cancel := coord.Subscribe()
	go func() {
		for ev := range events {
			fmt.Printf("\n· %s success=%d errors=%d item=%s\n", ev.Type, ev.SuccessCount, ev.ErrorCount, ev.ItemID)
		}
	}()

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/rehabflow-repl.tmp",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	ctx := context.Background()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "help":
			fmt.Println("status queue dead sync online offline session show <col> [key] drop <key> clear exit")
		case "status":
			fmt.Printf("status=%s pending=%d online=%v lastSync=%s\n",
				coord.Status(), coord.PendingCount(), coord.IsOnline(), coord.LastSyncAt().Format(time.RFC3339))
		case "queue":
			var recs []store.Record
			recs, err = st.GetAll(store.ColSyncQueue)
			printRecords(recs)
		case "dead":
			var recs []store.Record
			recs, err = st.GetAll(store.ColDeadLetter)
			printRecords(recs)
		case "sync":
			coord.TriggerSync(ctx)
		case "online":
			coord.SetOnline(ctx, true)
		case "offline":
			coord.SetOnline(ctx, false)
		case "session":
			// enqueue a synthetic completed session
			s := rehabflow.MovementSession{
				ID:          uuid.NewString(),
				ExerciseID:  "shoulder-abduction",
				StartedAt:   time.Now().Add(-2 * time.Minute),
				CompletedAt: time.Now(),
				Reps:        10,
				MaxAngleDeg: 92.5,
			}
			err = coord.QueueMovementSession(ctx, s)
			if err == nil {
				fmt.Println("queued", s.ID)
			}
		case "show":
			if len(args) == 0 {
				_, _ = fmt.Fprintln(os.Stderr, "usage: show <collection> [key]")
				break
			}
			if len(args) == 1 {
				var recs []store.Record
				recs, err = st.GetAll(args[0])
				printRecords(recs)
			} else {
				var raw json.RawMessage
				err = st.Get(args[0], args[1], &raw)
				if err == nil {
					fmt.Println(string(raw))
				}
			}
		case "drop":
			if len(args) != 1 {
				_, _ = fmt.Fprintln(os.Stderr, "usage: drop <queue-key>")
				break
			}
			err = st.Delete(store.ColSyncQueue, args[0])
		case "clear":
			err = coord.ClearAll(ctx)
		case "exit", "quit":
			ex := 0
			cancel()
			_ = coord.Shutdown(ctx)
			if err = st.Close(); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
				ex = -1
			}
			os.Exit(ex)
		case "":
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
}
