package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tuksik/mailsync/internal/config"
	"github.com/tuksik/mailsync/internal/imapx"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/smtpx"
	"github.com/tuksik/mailsync/internal/store"
	"github.com/tuksik/mailsync/internal/stream"
)

const (
	// backgroundSleep separates background sweeps; the interval can be long
	// because the foreground worker is idling on the inbox meanwhile.
	backgroundSleep = 120 * time.Second
	// retrySleep is the foreground worker's backoff after a transient
	// failure; the background worker waits out backgroundSleep instead.
	retrySleep = 10 * time.Second
)

// orphanTimeout is how long the UI channel may stay broken before the worker
// terminates itself. A variable so tests can shrink the wait.
var orphanTimeout = 30 * time.Second

// ErrOrphaned is returned by the listener when the parent process has been
// gone past the orphan timeout.
var ErrOrphaned = errors.New("ui channel closed for too long, parent is gone")

// ErrAuthFailed marks authentication failures, fatal for the process.
var ErrAuthFailed = errors.New("authentication failed")

// SessionFactory builds an IMAP session for an account. Swapped in tests.
type SessionFactory func(account *models.Account) imapx.Session

// Engine owns the three threads of the worker process: the main listener,
// the background sweeper and the foreground idle worker. Each worker gets
// its own store over the same database and its own IMAP session.
type Engine struct {
	cfg     *config.Config
	account *models.Account
	ui      *stream.Stream
	orphan  bool

	listenerStore *store.Store
	bg            *SyncWorker
	fg            *SyncWorker

	fgStarted bool
	done      chan struct{}
}

// NewEngine validates the account and wires the stores and workers.
func NewEngine(cfg *config.Config, account *models.Account, ui *stream.Stream, sessions SessionFactory, orphan bool) (*Engine, error) {
	if err := account.Valid(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if sessions == nil {
		sessions = imapx.NewSession
	}

	dbPath := cfg.DatabasePath(account.ID)

	listenerStore, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	bgStore, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	fgStore, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	listenerStore.AddObserver(ui)
	bgStore.AddObserver(ui)
	fgStore.AddObserver(ui)

	e := &Engine{
		cfg:           cfg,
		account:       account,
		ui:            ui,
		orphan:        orphan,
		listenerStore: listenerStore,
		bg:            NewSyncWorker("bg", bgStore, sessions(account), account, cfg.FilesRoot()),
		fg:            NewSyncWorker("fg", fgStore, sessions(account), account, cfg.FilesRoot()),
		done:          make(chan struct{}),
	}
	return e, nil
}

// Foreground exposes the foreground worker, the interrupt target.
func (e *Engine) Foreground() *SyncWorker { return e.fg }

// Background exposes the background worker.
func (e *Engine) Background() *SyncWorker { return e.bg }

// Interrupt wakes the foreground worker to re-check its queues.
func (e *Engine) Interrupt() { e.fg.IdleInterrupt() }

// Shutdown stops the worker loops at their next suspension point.
func (e *Engine) Shutdown() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	e.fg.IdleInterrupt()
}

// Run starts the background worker and blocks in the listener until the
// channel orphans or Shutdown is called. A worker that stops on a fatal
// error logs it and ends its own loop; it does not end Run.
func (e *Engine) Run() error {
	go e.runBackgroundWorker()
	return e.RunListener()
}

// runBackgroundWorker loops the full-mailbox sweep. The sweep runs in a hard
// loop while folders report more work, then sleeps. The foreground worker is
// started only after the first complete pass, which guarantees the folder
// list and per-folder cursors are populated before anything idles.
func (e *Engine) runBackgroundWorker() {
	for {
		moreToSync := true
		for moreToSync {
			select {
			case <-e.done:
				return
			default:
			}

			more, err := e.bg.SyncNow()
			if err != nil {
				if !imapx.IsRetryable(err) {
					log.Printf("bg: fatal sync error: %v", err)
					return
				}
				log.Printf("bg: transient sync error, retrying: %v", err)
				break
			}
			moreToSync = more

			if !e.fgStarted {
				e.fgStarted = true
				go e.runForegroundWorker()
			}
		}

		select {
		case <-e.done:
			return
		case <-time.After(backgroundSleep):
		}
	}
}

// runForegroundWorker loops the idle cycle. Transient errors back off and
// retry; anything else ends the worker.
func (e *Engine) runForegroundWorker() {
	for {
		select {
		case <-e.done:
			return
		default:
		}

		if err := e.fg.IdleCycle(); err != nil {
			if !imapx.IsRetryable(err) {
				log.Printf("fg: fatal idle error: %v", err)
				return
			}
			log.Printf("fg: transient idle error, retrying: %v", err)
			select {
			case <-e.done:
				return
			case <-time.After(retrySleep):
			}
		}
	}
}

// RunListener blocks on the UI channel, running the local phase of queued
// tasks and waking the foreground worker for their remote phase. A channel
// broken for more than the orphan timeout terminates the process, unless
// orphan mode was requested.
func (e *Engine) RunListener() error {
	taskProcessor := NewTaskProcessor(e.listenerStore,
		NewMailProcessor(e.listenerStore, e.account, e.cfg.FilesRoot()), nil, e.account)

	var brokenSince time.Time
	for {
		packet, err := e.ui.WaitForPacket()
		if err != nil {
			select {
			case <-e.done:
				return nil
			default:
			}

			if e.orphan {
				// Debugging mode: the liveness check is disabled, so park
				// here and let the workers run.
				<-e.done
				return nil
			}
			if brokenSince.IsZero() {
				brokenSince = time.Now()
				log.Printf("listener: ui channel broken: %v", err)
			}
			if time.Since(brokenSince) >= orphanTimeout {
				return ErrOrphaned
			}
			poll := time.Second
			if orphanTimeout < 10*time.Second {
				poll = orphanTimeout / 10
			}
			time.Sleep(poll)
			continue
		}
		brokenSince = time.Time{}

		e.handlePacket(taskProcessor, packet)
	}
}

func (e *Engine) handlePacket(taskProcessor *TaskProcessor, packet stream.Packet) {
	switch packet.Type {
	case stream.PacketTaskQueued:
		var task models.Task
		if err := json.Unmarshal(packet.Task, &task); err != nil {
			log.Printf("listener: dropping malformed task: %v", err)
			_ = e.ui.SendJSON(map[string]string{"error": "malformed task: " + err.Error()})
			return
		}
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		task.AID = e.account.ID
		task.Version = 0
		task.Status = models.TaskStatusLocal

		if err := taskProcessor.PerformLocal(&task); err != nil {
			log.Printf("listener: task %s local phase failed: %v", task.ID, err)
		}
		e.fg.IdleInterrupt()

	case stream.PacketNeedBodies:
		e.fg.IdleQueueBodiesToSync(packet.IDs)
		e.fg.IdleInterrupt()

	default:
		log.Printf("listener: dropping packet of unknown type %q", packet.Type)
		_ = e.ui.SendJSON(map[string]string{"error": "unknown packet type: " + packet.Type})
	}
}

// TestAuthResult is the one-line reply of test mode.
type TestAuthResult struct {
	Error        *string         `json:"error"`
	ErrorService string          `json:"error_service,omitempty"`
	Log          string          `json:"log"`
	Account      *models.Account `json:"account"`
}

// RunTestAuth probes the account's IMAP and SMTP endpoints: connect, list
// folders, require an inbox or all-mail folder, then authenticate SMTP.
// Sessions are torn down on every exit path.
func RunTestAuth(account *models.Account, sessions SessionFactory) TestAuthResult {
	if sessions == nil {
		sessions = imapx.NewSession
	}

	fail := func(service string, err error) TestAuthResult {
		msg := err.Error()
		return TestAuthResult{Error: &msg, ErrorService: service, Log: msg}
	}

	if err := account.Valid(); err != nil {
		return fail("imap", err)
	}

	session := sessions(account)
	defer func() { _ = session.Close() }()

	if err := session.Connect(); err != nil {
		return fail("imap", err)
	}
	folders, err := session.ListFolders()
	if err != nil {
		return fail("imap", err)
	}

	hasCanonical := false
	for _, f := range folders {
		role := models.RoleForPath(f.Path, f.Attributes)
		if role == models.RoleInbox || role == models.RoleAll {
			hasCanonical = true
			break
		}
	}
	if !hasCanonical {
		return fail("imap", fmt.Errorf("mailbox has neither an inbox nor an all-mail folder"))
	}

	if account.SMTPHost != "" {
		if err := smtpx.TestAuth(account); err != nil {
			return fail("smtp", err)
		}
	}

	return TestAuthResult{Log: fmt.Sprintf("connected, %d folders", len(folders)), Account: account}
}

// MigrateResult is the one-line reply of migrate mode.
type MigrateResult struct {
	Error *string `json:"error"`
}

// RunMigrate opens the account's database and applies pending schema
// migrations.
func RunMigrate(cfg *config.Config, account *models.Account) MigrateResult {
	st, err := store.Open(cfg.DatabasePath(account.ID))
	if err != nil {
		msg := err.Error()
		return MigrateResult{Error: &msg}
	}
	_ = st.Close()
	return MigrateResult{}
}
