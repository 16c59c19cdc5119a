package engine

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuksik/mailsync/internal/imapx"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
)

const (
	// freshScanChunk is the UID chunk size when a deep scan starts; kept
	// small so the newest mail lands quickly.
	freshScanChunk = 200
	// deepScanChunk is the UID chunk size once a deep scan is under way.
	deepScanChunk = 1000
	// deepScanCooldown is how often non-QRESYNC servers get re-deep-scanned
	// to find flag changes and deletions far down the folder.
	deepScanCooldown = 10 * time.Minute
	// shallowScanDepth is how many of the newest messages the shallow change
	// scan covers.
	shallowScanDepth = 500
	// bodyBackfillLimit caps body fetches per folder per cycle.
	bodyBackfillLimit = 10
	// bodyBackfillWindow is how far back the backfill reaches for non-drafts.
	bodyBackfillWindow = 30 * 24 * time.Hour
	// yieldEvery and yieldFor pace bulk inserts so the listener thread is
	// never starved of the database for more than a quarter second.
	yieldEvery = 250 * time.Millisecond
	yieldFor   = 50 * time.Millisecond
)

// ErrNoIdleFolder is returned by IdleCycle when neither an inbox nor an
// all-mail folder exists to idle on.
var ErrNoIdleFolder = errors.New("no inbox to idle on")

// timeNow is swapped in tests exercising time-based policies.
var timeNow = time.Now

// SyncWorker replicates the remote mailbox into the store. One instance runs
// the periodic background sweep; a second runs the foreground IDLE loop.
// Each owns its own store and IMAP session.
type SyncWorker struct {
	name      string
	store     *store.Store
	processor *MailProcessor
	session   imapx.Session
	account   *models.Account

	unlinkPhase int

	idleShouldReloop atomic.Bool
	idleMu           sync.Mutex
	idleFetchBodyIDs []string
}

// NewSyncWorker wires a worker over its own store and session.
func NewSyncWorker(name string, st *store.Store, session imapx.Session, account *models.Account, filesRoot string) *SyncWorker {
	return &SyncWorker{
		name:        name,
		store:       st,
		processor:   NewMailProcessor(st, account, filesRoot),
		session:     session,
		account:     account,
		unlinkPhase: 1,
	}
}

// Processor exposes the worker's mail processor.
func (w *SyncWorker) Processor() *MailProcessor { return w.processor }

// IdleInterrupt wakes the worker out of IDLE. The reloop flag is set before
// the session's interrupt primitive is invoked, so a notification arriving
// between the two is not lost.
func (w *SyncWorker) IdleInterrupt() {
	w.idleShouldReloop.Store(true)
	w.session.InterruptIdle()
}

// IdleQueueBodiesToSync enqueues message ids for on-demand body fetch.
func (w *SyncWorker) IdleQueueBodiesToSync(ids []string) {
	w.idleMu.Lock()
	w.idleFetchBodyIDs = append(w.idleFetchBodyIDs, ids...)
	w.idleMu.Unlock()
	w.idleShouldReloop.Store(true)
}

func (w *SyncWorker) popQueuedBodyID() (string, bool) {
	w.idleMu.Lock()
	defer w.idleMu.Unlock()
	if len(w.idleFetchBodyIDs) == 0 {
		return "", false
	}
	id := w.idleFetchBodyIDs[len(w.idleFetchBodyIDs)-1]
	w.idleFetchBodyIDs = w.idleFetchBodyIDs[:len(w.idleFetchBodyIDs)-1]
	return id, true
}

// takeReloop consumes the interrupt flag. It is edge-triggered: the caller
// restarts its cycle from the top whenever it fires.
func (w *SyncWorker) takeReloop() bool {
	return w.idleShouldReloop.Swap(false)
}

// SyncNow runs one pass over every folder: folder list, deep scan, change
// detection, body backfill. Returns true when any folder reported more work.
func (w *SyncWorker) SyncNow() (bool, error) {
	if err := w.session.Connect(); err != nil {
		return false, err
	}

	syncAgainImmediately := false

	folders, err := w.syncFoldersAndLabels()
	if err != nil {
		return false, err
	}

	for _, folder := range folders {
		remoteStatus, err := w.session.FolderStatus(folder.Path)
		if err != nil {
			return false, err
		}

		statusBefore := folder.Status

		if folder.Status.UIDValidity == 0 {
			// First contact: the current uidnext is the oldest value we will
			// have synced through, so seeding highestmodseq here guarantees
			// CONDSTORE later reports everything that could have changed.
			folder.Status.UIDValidity = remoteStatus.UIDValidity
			folder.Status.HighestModSeq = remoteStatus.HighestModSeq
		}

		if folder.Status.UIDValidity != remoteStatus.UIDValidity {
			log.Printf("%s: folder %s uidvalidity changed (%d -> %d), rebuilding local state",
				w.name, folder.Path, folder.Status.UIDValidity, remoteStatus.UIDValidity)
			if err := w.resetFolderState(folder, remoteStatus); err != nil {
				return false, err
			}
		}

		fullScanInProgress, err := w.syncFolderFullScanIncremental(folder, remoteStatus)
		if err != nil {
			return false, err
		}

		if w.session.SupportsCondstore() {
			err = w.syncFolderChangesViaCondstore(folder, remoteStatus)
		} else {
			err = w.syncFolderChangesViaShallowScan(folder, remoteStatus)
		}
		if err != nil {
			return false, err
		}

		bodiesInProgress, err := w.syncMessageBodies(folder)
		if err != nil {
			return false, err
		}

		// The helpers above mutate the cursor; persist it. An untouched
		// cursor means an untouched folder, and saving it anyway would emit
		// a delta on a cycle that observed no change at all.
		if folder.Status != statusBefore {
			if err := w.store.Save(folder, true); err != nil {
				return false, err
			}
		}

		syncAgainImmediately = syncAgainImmediately || fullScanInProgress || bodiesInProgress
	}

	// Messages discovered missing this cycle were unlinked with the current
	// phase; deleting the other phase's leftovers gives everything one full
	// cycle to reappear in another folder before it is really, really gone.
	w.unlinkPhase = flipPhase(w.unlinkPhase)
	log.Printf("%s: sync loop deleting unlinked messages with phase %d", w.name, w.unlinkPhase)
	if err := w.processor.DeleteMessagesStillUnlinkedFromPhase(w.unlinkPhase); err != nil {
		return false, err
	}

	log.Printf("%s: sync loop complete", w.name)
	return syncAgainImmediately, nil
}

func flipPhase(phase int) int {
	if phase == 1 {
		return 2
	}
	return 1
}

// UnlinkPhase exposes the current phase for tests.
func (w *SyncWorker) UnlinkPhase() int { return w.unlinkPhase }

// syncFoldersAndLabels reconciles the remote folder list against the local
// Folder and Label tables and returns the folders to scan in role-priority
// order. On Gmail, non-canonical folders are demoted to labels because the
// all-mail folder covers their messages.
func (w *SyncWorker) syncFoldersAndLabels() ([]*models.Folder, error) {
	remoteFolders, err := w.session.ListFolders()
	if err != nil {
		return nil, fmt.Errorf("could not fetch folder list: %w", err)
	}

	if err := w.store.BeginTransaction(); err != nil {
		return nil, err
	}

	folders, err := w.reconcileFolderList(remoteFolders)
	if err != nil {
		w.store.RollbackTransaction()
		return nil, err
	}
	if err := w.store.CommitTransaction(); err != nil {
		return nil, err
	}

	sort.SliceStable(folders, func(i, j int) bool {
		return models.RoleRank(folders[i].Role) < models.RoleRank(folders[j].Role)
	})
	return folders, nil
}

func (w *SyncWorker) reconcileFolderList(remoteFolders []imapx.RemoteFolder) ([]*models.Folder, error) {
	isGmail := w.session.IsGmail()

	localFolders, err := store.FindAllMap[models.Folder](w.store, store.Q())
	if err != nil {
		return nil, err
	}
	localLabels, err := store.FindAllMap[models.Label](w.store, store.Q())
	if err != nil {
		return nil, err
	}

	var foldersToSync []*models.Folder

	for _, remote := range remoteFolders {
		if remote.NoSelect() {
			continue
		}

		role := models.RoleForPath(remote.Path, remote.Attributes)
		id := models.IDForFolder(w.account.ID, remote.Path)

		if isGmail && role != models.RoleAll && role != models.RoleSpam && role != models.RoleTrash {
			local, ok := localLabels[id]
			if ok {
				delete(localLabels, id)
			} else {
				local = &models.Label{ID: id, AID: w.account.ID}
			}
			if local.Role != role || local.Path != remote.Path {
				local.Path = remote.Path
				local.Role = role
				if err := w.store.EnsureThreadCounts(local.ID); err != nil {
					return nil, err
				}
				if err := w.store.Save(local, true); err != nil {
					return nil, err
				}
			}
			continue
		}

		local, ok := localFolders[id]
		if ok {
			delete(localFolders, id)
		} else {
			local = &models.Folder{ID: id, AID: w.account.ID}
		}
		if local.Role != role || local.Path != remote.Path {
			local.Path = remote.Path
			local.Role = role
			if err := w.store.EnsureThreadCounts(local.ID); err != nil {
				return nil, err
			}
			if err := w.store.Save(local, true); err != nil {
				return nil, err
			}
		}
		foldersToSync = append(foldersToSync, local)
	}

	// Anything left is no longer present on the remote.
	for _, stale := range localFolders {
		if err := w.store.RemoveThreadCounts(stale.ID); err != nil {
			return nil, err
		}
		if err := w.store.Remove(stale); err != nil {
			return nil, err
		}
	}
	for _, stale := range localLabels {
		if err := w.store.RemoveThreadCounts(stale.ID); err != nil {
			return nil, err
		}
		if err := w.store.Remove(stale); err != nil {
			return nil, err
		}
	}

	return foldersToSync, nil
}

// resetFolderState rebuilds a folder's incremental state after a UIDValidity
// change: the cursor is cleared and every message in the folder is unlinked
// so the normal sync re-fetches the folder from scratch.
func (w *SyncWorker) resetFolderState(folder *models.Folder, remoteStatus imapx.FolderStatus) error {
	messages, err := store.FindAll[models.Message](w.store, store.Q().Equal("folderId", folder.ID))
	if err != nil {
		return err
	}
	if err := w.processor.UnlinkMessages(messages, w.unlinkPhase); err != nil {
		return err
	}
	folder.Status = models.LocalStatus{
		UIDValidity:   remoteStatus.UIDValidity,
		HighestModSeq: remoteStatus.HighestModSeq,
	}
	return nil
}

// syncFolderFullScanIncremental advances the folder's chunked downward UID
// walk, used to find changes and deletions no mutation cursor covers.
// Returns true while the walk still has work left.
func (w *SyncWorker) syncFolderFullScanIncremental(folder *models.Folder, remoteStatus imapx.FolderStatus) (bool, error) {
	ls := &folder.Status
	chunk := uint32(deepScanChunk)

	// CONDSTORE-with-QRESYNC servers report vanished UIDs authoritatively,
	// so one deep scan suffices; everyone else gets re-scanned periodically
	// to catch deletions deep in the folder.
	stale := !w.session.SupportsQResync() &&
		timeNow().Unix()-ls.FullScanTime > int64(deepScanCooldown/time.Second)

	if ls.FullScanHead == 0 || stale {
		ls.UIDNext = remoteStatus.UIDNext
		ls.FullScanHead = remoteStatus.UIDNext
		chunk = freshScanChunk
	}

	if ls.FullScanHead == 1 {
		return false, nil
	}

	// The UID space is sparse: uidnext may be huge while the folder holds a
	// handful of messages. Collapse to one chunk when the count allows it.
	head := ls.FullScanHead
	nextHead := uint32(1)
	if head > chunk {
		nextHead = head - chunk
	}
	if remoteStatus.MessageCount < chunk {
		nextHead = 1
	}

	if err := w.syncFolderUIDRange(folder, nextHead, head); err != nil {
		return false, err
	}

	ls.FullScanHead = nextHead
	ls.FullScanTime = timeNow().Unix()
	return nextHead > 1, nil
}

// syncFolderChangesViaShallowScan re-syncs just the newest messages, from
// the folder's uidnext down to the 500th previously synced UID. UIDs are
// used because the message count is not a reliable head pointer on Gmail.
func (w *SyncWorker) syncFolderChangesViaShallowScan(folder *models.Folder, remoteStatus imapx.FolderStatus) error {
	uidnext := remoteStatus.UIDNext
	bottomUID, err := w.store.MessageUIDAtDepth(folder.ID, shallowScanDepth-1, uidnext)
	if err != nil {
		return err
	}

	log.Printf("%s: syncing %s via shallow scan (UIDs %d - %d)", w.name, folder.Path, bottomUID, uidnext)

	if err := w.syncFolderUIDRange(folder, bottomUID, uidnext); err != nil {
		return err
	}
	folder.Status.UIDNext = uidnext
	return nil
}

// syncFolderUIDRange diffs the remote UID range [lo, hi) against the local
// rows: new or changed messages are upserted, and local UIDs the server no
// longer reports are unlinked into the current phase.
func (w *SyncWorker) syncFolderUIDRange(folder *models.Folder, lo, hi uint32) error {
	log.Printf("%s: syncing folder %s (UIDs %d - %d)", w.name, folder.Path, lo, hi)

	syncTs := timeNow().Unix()
	remote, err := w.session.FetchRange(folder.Path, lo, hi)
	if err != nil {
		return err
	}

	local, err := w.store.MessagesInUIDRange(folder.ID, lo, hi)
	if err != nil {
		return err
	}

	// Newest first, so fresh mail is visible before the tail finishes.
	sort.Slice(remote, func(i, j int) bool { return remote[i].UID > remote[j].UID })

	lastYield := timeNow()
	for _, remoteMsg := range remote {
		// Never sit in a hard loop inserting for more than ~250ms; another
		// thread may be waiting on the database.
		if timeNow().Sub(lastYield) > yieldEvery {
			time.Sleep(yieldFor)
			lastYield = timeNow()
		}

		localMsg, present := local[remoteMsg.UID]
		if !present || !messageAttributesMatch(localMsg, remoteMsg, folder) {
			if _, err := w.processor.InsertFallbackToUpdateMessage(remoteMsg, folder, syncTs); err != nil {
				return err
			}
		}
		delete(local, remoteMsg.UID)
	}

	// Whatever is left was present locally but absent remotely. Unlink; the
	// delete pass picks these up next cycle if no other folder claims them.
	if len(local) > 0 {
		stale := make([]*models.Message, 0, len(local))
		for _, msg := range local {
			stale = append(stale, msg)
		}
		if err := w.processor.UnlinkMessages(stale, w.unlinkPhase); err != nil {
			return err
		}
	}
	return nil
}

// messageAttributesMatch reports whether no observable attribute differs.
func messageAttributesMatch(local *models.Message, remote *imapx.RemoteMessage, folder *models.Folder) bool {
	if local.Unread != remote.Unread() ||
		local.Starred != remote.Starred() ||
		local.Draft != remote.Draft() ||
		local.RemoteUID != remote.UID ||
		local.FolderID != folder.ID {
		return false
	}
	probe := models.Message{Labels: remote.GmailLabels}
	return local.LabelsJSON() == probe.LabelsJSON()
}

// syncFolderChangesViaCondstore applies changes since the stored modseq. If
// the server enumerates vanished UIDs (QRESYNC) those are unlinked directly;
// otherwise deletion detection falls back to the shallow scan.
func (w *SyncWorker) syncFolderChangesViaCondstore(folder *models.Folder, remoteStatus imapx.FolderStatus) error {
	modseq := folder.Status.HighestModSeq
	if modseq == remoteStatus.HighestModSeq {
		log.Printf("%s: syncing folder %s: highestmodseq matches, no changes", w.name, folder.Path)
		return nil
	}

	log.Printf("%s: syncing folder %s: highestmodseq changed, requesting changes", w.name, folder.Path)

	syncTs := timeNow().Unix()
	result, err := w.session.SyncChanges(folder.Path, modseq)
	if err != nil {
		return err
	}

	for _, remoteMsg := range result.ModifiedOrAdded {
		id := models.IDForMessage(w.account.ID, folder.Path, remoteMsg.GmailMessageID, remoteMsg.MessageID, remoteMsg.UID)
		local, err := store.Find[models.Message](w.store, store.Q().Equal("id", id))
		switch {
		case err == store.ErrNotFound:
			// Never seen in any folder. Add it.
			if _, err := w.processor.InsertFallbackToUpdateMessage(remoteMsg, folder, syncTs); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			// Existing id: update attributes and folder binding. It could
			// have moved here from another folder.
			if err := w.processor.UpdateMessage(local, remoteMsg, folder, syncTs); err != nil {
				return err
			}
		}
	}

	if result.VanishedReported {
		log.Printf("%s: %d messages vanished from %s", w.name, len(result.Vanished), folder.Path)
		if len(result.Vanished) > 0 {
			uids := make([]any, len(result.Vanished))
			for i, uid := range result.Vanished {
				uids[i] = uid
			}
			vanished, err := store.FindAll[models.Message](w.store,
				store.Q().Equal("folderId", folder.ID).In("folderImapUID", uids))
			if err != nil {
				return err
			}
			if err := w.processor.UnlinkMessages(vanished, w.unlinkPhase); err != nil {
				return err
			}
		}
	} else {
		if err := w.syncFolderChangesViaShallowScan(folder, remoteStatus); err != nil {
			return err
		}
	}

	folder.Status.UIDNext = remoteStatus.UIDNext
	folder.Status.HighestModSeq = remoteStatus.HighestModSeq
	return nil
}

// syncMessageBodies backfills a handful of missing bodies per cycle, newest
// first, so snippets appear on recent mail quickly. Returns true if any were
// fetched.
func (w *SyncWorker) syncMessageBodies(folder *models.Folder) (bool, error) {
	// who needs this stuff? probably nobody.
	if folder.Role == models.RoleSpam || folder.Role == models.RoleTrash {
		return false, nil
	}

	since := timeNow().Add(-bodyBackfillWindow).Unix()
	missing, err := w.store.MessagesNeedingBodies(folder.ID, since, bodyBackfillLimit)
	if err != nil {
		return false, err
	}

	for _, msg := range missing {
		if err := w.syncMessageBody(folder.Path, msg); err != nil {
			return false, err
		}
	}
	return len(missing) > 0, nil
}

func (w *SyncWorker) syncMessageBody(folderPath string, msg *models.Message) error {
	raw, err := w.session.FetchBody(folderPath, msg.FolderImapUID)
	if err != nil {
		return err
	}
	parsed, err := imapx.ParseBody(raw)
	if err != nil {
		return err
	}
	return w.processor.RetrievedMessageBody(msg, parsed)
}

// IdleCycle runs one foreground iteration: drain the body-fetch queue, run
// the remote phase of pending tasks, re-sync the idle folder, then block in
// IDLE. An interrupt at any gate returns immediately so the caller restarts
// from the top.
func (w *SyncWorker) IdleCycle() error {
	// Run body requests first; the user is waiting on these.
	for {
		id, ok := w.popQueuedBodyID()
		if !ok {
			break
		}
		msg, err := store.Find[models.Message](w.store, store.Q().Equal("id", id))
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		log.Printf("%s: fetching body for message %s", w.name, msg.ID)
		if err := w.syncMessageBody(msg.FolderPath, msg); err != nil {
			return err
		}
	}

	if w.takeReloop() {
		return nil
	}

	// Run tasks ready for their remote phase.
	tasks, err := store.FindAll[models.Task](w.store, store.Q().Equal("status", models.TaskStatusRemote))
	if err != nil {
		return err
	}
	taskProcessor := NewTaskProcessor(w.store, w.processor, w.session, w.account)
	for _, task := range tasks {
		if err := taskProcessor.PerformRemote(task); err != nil {
			return err
		}
	}

	if w.takeReloop() {
		return nil
	}

	if err := w.session.Connect(); err != nil {
		return err
	}

	// Keep the folder list fresh so the idle folder id tracks moves.
	if _, err := w.syncFoldersAndLabels(); err != nil {
		return err
	}

	inbox, err := store.Find[models.Folder](w.store, store.Q().Equal("role", models.RoleInbox))
	if err == store.ErrNotFound {
		inbox, err = store.Find[models.Folder](w.store, store.Q().Equal("role", models.RoleAll))
		if err == store.ErrNotFound {
			return ErrNoIdleFolder
		}
	}
	if err != nil {
		return err
	}

	if w.takeReloop() {
		return nil
	}

	remoteStatus, err := w.session.FolderStatus(inbox.Path)
	if err != nil {
		return err
	}
	statusBefore := inbox.Status
	if inbox.Status.UIDValidity == 0 {
		inbox.Status.UIDValidity = remoteStatus.UIDValidity
		inbox.Status.HighestModSeq = remoteStatus.HighestModSeq
	}

	if w.session.SupportsCondstore() {
		err = w.syncFolderChangesViaCondstore(inbox, remoteStatus)
	} else {
		err = w.syncFolderChangesViaShallowScan(inbox, remoteStatus)
	}
	if err != nil {
		return err
	}

	if _, err := w.syncMessageBodies(inbox); err != nil {
		return err
	}
	if inbox.Status != statusBefore {
		if err := w.store.Save(inbox, true); err != nil {
			return err
		}
	}

	if w.takeReloop() {
		return nil
	}

	log.Printf("%s: idling on folder %s", w.name, inbox.Path)
	return w.session.Idle(inbox.Path)
}
