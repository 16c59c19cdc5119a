// mailsync is the background sync worker of the mail client. It runs as a
// child process of the desktop UI, replicating one account's remote mailbox
// into a local database and executing client-initiated mutations, talking to
// its parent over newline-delimited JSON.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tuksik/mailsync/internal/config"
	"github.com/tuksik/mailsync/internal/engine"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "", "sync, test or migrate (required)")
	accountJSON := flag.String("account", "", "account JSON; read from stdin when absent")
	orphan := flag.Bool("orphan", false, "skip the stdin liveness check (for debugging)")
	flag.Parse()

	if *mode != "sync" && *mode != "test" && *mode != "migrate" {
		fmt.Fprintln(os.Stderr, "usage: mailsync --mode sync|test|migrate [--account <json>] [--orphan]")
		return 1
	}

	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Stdout belongs to the UI channel; logs go to stderr and the rotating
	// file.
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.LogPath(),
		MaxSize:    5, // MiB
		MaxBackups: 3,
	}))

	account, err := loadAccount(*accountJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load account: %v\n", err)
		return 1
	}

	ui := uiStream(cfg)

	switch *mode {
	case "test":
		result := engine.RunTestAuth(account, nil)
		_ = ui.SendJSON(result)
		if result.Error != nil {
			return 1
		}
		return 0

	case "migrate":
		result := engine.RunMigrate(cfg, account)
		_ = ui.SendJSON(result)
		if result.Error != nil {
			return 1
		}
		return 0
	}

	e, err := engine.NewEngine(cfg, account, ui, nil, *orphan)
	if err != nil {
		if errors.Is(err, engine.ErrAuthFailed) {
			msg := err.Error()
			_ = ui.SendJSON(engine.TestAuthResult{Error: &msg, ErrorService: "imap", Log: msg})
			return 1
		}
		log.Printf("failed to start engine: %v", err)
		return 1
	}

	if err := e.Run(); err != nil {
		log.Printf("worker exiting: %v", err)
		if errors.Is(err, engine.ErrAuthFailed) {
			return 1
		}
	}
	return 0
}

// loadAccount parses the account from the flag, or from a single JSON line
// on stdin when the flag is absent.
func loadAccount(flagJSON string) (*models.Account, error) {
	raw := []byte(flagJSON)
	if flagJSON == "" {
		line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
		if err != nil && len(line) == 0 {
			return nil, fmt.Errorf("reading account from stdin: %w", err)
		}
		raw = line
	}

	var account models.Account
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, fmt.Errorf("parsing account JSON: %w", err)
	}
	return &account, nil
}

// uiStream connects to the parent's socket when configured, stdio otherwise.
func uiStream(cfg *config.Config) *stream.Stream {
	if cfg.UISocketPath != "" {
		s, err := stream.Dial(cfg.UISocketPath)
		if err == nil {
			return s
		}
		log.Printf("failed to dial ui socket, falling back to stdio: %v", err)
	}
	return stream.Stdio()
}
