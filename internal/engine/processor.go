// Package engine implements the synchronization core: the mail processor,
// the background and foreground sync workers, and the task state machine.
package engine

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tuksik/mailsync/internal/imapx"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
)

const (
	// referencesMatchLimit caps how many references participate in thread
	// lookup, guarding against pathological chains.
	referencesMatchLimit = 50
	// referencesUpsertLimit caps how many references are recorded per message.
	referencesUpsertLimit = 100
	// snippetLength is the stored snippet size in characters.
	snippetLength = 400
	// searchBodyLength caps the body text appended to the FTS index.
	searchBodyLength = 5000
	// unlinkDeleteChunk bounds each delete-pass transaction so a huge purge
	// never blocks other database users for long.
	unlinkDeleteChunk = 100
)

// MailProcessor is the reconciliation engine between remote message
// attributes and the local store. Every method is re-entrant and idempotent:
// running twice with the same input is a no-op on the second pass.
type MailProcessor struct {
	store     *store.Store
	account   *models.Account
	filesRoot string
}

// NewMailProcessor creates a processor writing attachments under filesRoot.
func NewMailProcessor(st *store.Store, account *models.Account, filesRoot string) *MailProcessor {
	return &MailProcessor{store: st, account: account, filesRoot: filesRoot}
}

// messageFromRemote builds the local model for a freshly observed message.
func (p *MailProcessor) messageFromRemote(remote *imapx.RemoteMessage, folder *models.Folder, syncTs int64) *models.Message {
	return &models.Message{
		ID:              models.IDForMessage(p.account.ID, folder.Path, remote.GmailMessageID, remote.MessageID, remote.UID),
		AID:             p.account.ID,
		FolderID:        folder.ID,
		FolderPath:      folder.Path,
		FolderImapUID:   remote.UID,
		RemoteUID:       remote.UID,
		GmailMessageID:  remote.GmailMessageID,
		GmailThreadID:   remote.GmailThreadID,
		HeaderMessageID: remote.MessageID,
		Labels:          remote.GmailLabels,
		Subject:         remote.Subject,
		From:            convertAddresses(remote.From),
		To:              convertAddresses(remote.To),
		CC:              convertAddresses(remote.CC),
		BCC:             convertAddresses(remote.BCC),
		Date:            remote.Date.Unix(),
		Unread:          remote.Unread(),
		Starred:         remote.Starred(),
		Draft:           remote.Draft(),
		SyncedAt:        syncTs,
	}
}

func convertAddresses(addrs []imapx.Address) []models.Address {
	out := make([]models.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, models.Address{Name: a.Name, Email: a.Email})
	}
	return out
}

// InsertFallbackToUpdateMessage attempts an insert and, on a unique
// constraint violation, re-reads the existing row and updates it instead.
// This sidesteps the race where the same message is discovered concurrently
// by the background scan and the foreground loop, without a cross-folder
// lock. No other error is suppressed.
func (p *MailProcessor) InsertFallbackToUpdateMessage(remote *imapx.RemoteMessage, folder *models.Folder, syncTs int64) (*models.Message, error) {
	msg, err := p.insertMessage(remote, folder, syncTs)
	if err == nil {
		return msg, nil
	}
	if !store.IsUniqueConstraint(err) {
		return nil, err
	}

	id := models.IDForMessage(p.account.ID, folder.Path, remote.GmailMessageID, remote.MessageID, remote.UID)
	local, ferr := store.Find[models.Message](p.store, store.Q().Equal("id", id))
	if ferr != nil {
		// The collision was on (folderId, folderImapUID) with a different
		// identity, which the next delete pass will clear. Surface the
		// original violation.
		return nil, err
	}
	if uerr := p.UpdateMessage(local, remote, folder, syncTs); uerr != nil {
		return nil, uerr
	}
	return local, nil
}

// insertMessage inserts a new message, attaching it to the correct thread.
func (p *MailProcessor) insertMessage(remote *imapx.RemoteMessage, folder *models.Folder, syncTs int64) (*models.Message, error) {
	msg := p.messageFromRemote(remote, folder, syncTs)

	if err := p.store.BeginTransaction(); err != nil {
		return nil, err
	}

	thread, err := p.findOrCreateThread(msg, remote)
	if err == nil {
		msg.ThreadID = thread.ID
		err = p.store.Save(msg, true)
	}
	if err == nil {
		// Index the thread metadata for search once, on insert.
		err = p.appendToThreadSearchContent(thread, msg, "")
	}
	if err == nil {
		// Fold the new message into the thread's denormalized fields so the
		// thread is written exactly once per insert.
		var unread, total int
		var firstAt, lastAt int64
		var categories []string
		unread, total, firstAt, lastAt, categories, err = p.store.ThreadAggregates(thread.ID)
		if err == nil {
			thread.Unread = unread
			thread.Total = total
			thread.FirstMessageAt = firstAt
			thread.LastMessageAt = lastAt
			thread.Categories = categories
			err = p.store.Save(thread, true)
		}
	}
	if err == nil {
		err = p.recomputeCounts(append([]string{folder.ID}, thread.Categories...))
	}
	if err == nil {
		// Make the thread reachable from every one of the message's ids.
		refs := remote.References
		if len(refs) > referencesUpsertLimit {
			refs = refs[:referencesUpsertLimit]
		}
		err = p.store.UpsertThreadReferences(thread.ID, p.account.ID, msg.HeaderMessageID, refs)
	}
	if err == nil {
		err = p.upsertContacts(msg)
	}
	if err != nil {
		p.store.RollbackTransaction()
		return nil, err
	}
	if err := p.store.CommitTransaction(); err != nil {
		return nil, err
	}
	return msg, nil
}

// findOrCreateThread locates the thread for a new message: by Gmail thread
// id first, then by the message's own Message-Id and its first references
// against the ThreadReference table, creating a fresh thread otherwise.
func (p *MailProcessor) findOrCreateThread(msg *models.Message, remote *imapx.RemoteMessage) (*models.Thread, error) {
	if remote.GmailThreadID != 0 {
		thread, err := store.Find[models.Thread](p.store, store.Q().Equal("gThrId", remote.GmailThreadID))
		if err == nil {
			return thread, nil
		}
		if err != store.ErrNotFound {
			return nil, err
		}
	} else if msg.HeaderMessageID != "" {
		ids := []string{msg.HeaderMessageID}
		refs := remote.References
		if len(refs) > referencesMatchLimit {
			refs = refs[:referencesMatchLimit]
		}
		ids = append(ids, refs...)

		thread, err := p.store.ThreadForReferences(p.account.ID, ids)
		if err == nil {
			return thread, nil
		}
		if err != store.ErrNotFound {
			return nil, err
		}
	}

	return &models.Thread{
		ID:            uuid.NewString(),
		AID:           p.account.ID,
		GmailThreadID: remote.GmailThreadID,
		Subject:       msg.Subject,
	}, nil
}

// UpdateMessage applies remote attribute changes to a local message. The
// write is skipped entirely when a newer sync already wrote the message or
// when nothing observable changed. A move across folders is expressed as an
// update, never as insert plus delete.
func (p *MailProcessor) UpdateMessage(local *models.Message, remote *imapx.RemoteMessage, folder *models.Folder, syncTs int64) error {
	if local.SyncedAt > syncTs {
		log.Printf("processor: ignoring stale changes to %s (%d < %d)", local.ID, syncTs, local.SyncedAt)
		return nil
	}

	next := *local
	next.Unread = remote.Unread()
	next.Starred = remote.Starred()
	next.Draft = remote.Draft()
	next.RemoteUID = remote.UID
	next.FolderImapUID = remote.UID
	next.FolderID = folder.ID
	next.FolderPath = folder.Path
	next.Labels = remote.GmailLabels

	if next.Unread == local.Unread &&
		next.Starred == local.Starred &&
		next.Draft == local.Draft &&
		next.RemoteUID == local.RemoteUID &&
		next.FolderID == local.FolderID &&
		next.LabelsJSON() == local.LabelsJSON() {
		return nil
	}

	oldFolderID := local.FolderID

	if err := p.store.BeginTransaction(); err != nil {
		return err
	}

	*local = next
	local.SyncedAt = syncTs

	err := p.store.Save(local, true)
	if err == nil {
		err = p.syncThreadState(local.ThreadID, local.FolderID)
	}
	if err == nil && oldFolderID != local.FolderID {
		err = p.store.RecomputeThreadCounts(oldFolderID)
	}
	if err != nil {
		p.store.RollbackTransaction()
		return err
	}
	return p.store.CommitTransaction()
}

// UnlinkMessages marks messages missing from their folder with the phase's
// sentinel remoteUID. The save does not emit a delta; the client cannot see
// this field, and the message may yet reappear in another folder before the
// matching delete pass runs.
func (p *MailProcessor) UnlinkMessages(messages []*models.Message, phase int) error {
	if len(messages) == 0 {
		return nil
	}

	if err := p.store.BeginTransaction(); err != nil {
		return err
	}

	logEach := len(messages) < 40
	for _, msg := range messages {
		if msg.RemoteUID > math.MaxUint32-5 {
			// already unlinked in a previous cycle
			continue
		}
		if logEach {
			log.Printf("processor: unlinking %q (%s)", msg.Subject, msg.ID)
		}
		msg.RemoteUID = models.UnlinkedUIDForPhase(phase)
		if err := p.store.Save(msg, false); err != nil {
			p.store.RollbackTransaction()
			return err
		}
	}
	return p.store.CommitTransaction()
}

// DeleteMessagesStillUnlinkedFromPhase deletes every message still carrying
// the phase's sentinel, in chunks of 100 per transaction so a huge purge
// never starves other database users.
func (p *MailProcessor) DeleteMessagesStillUnlinkedFromPhase(phase int) error {
	sentinel := models.UnlinkedUIDForPhase(phase)

	for {
		if err := p.store.BeginTransaction(); err != nil {
			return err
		}

		messages, err := store.FindAll[models.Message](p.store,
			store.Q().Equal("accountId", p.account.ID).Equal("remoteUID", sentinel).Limit(unlinkDeleteChunk))
		if err != nil {
			p.store.RollbackTransaction()
			return err
		}

		for _, msg := range messages {
			log.Printf("processor: removing %q (%s)", msg.Subject, msg.ID)
			if err == nil {
				err = p.store.Remove(msg)
			}
			if err == nil {
				err = p.store.RemoveMessageBody(msg.ID)
			}
			if err == nil {
				err = p.syncThreadState(msg.ThreadID, msg.FolderID)
			}
			if err != nil {
				p.store.RollbackTransaction()
				return err
			}
		}

		if err := p.store.CommitTransaction(); err != nil {
			return err
		}
		if len(messages) < unlinkDeleteChunk {
			return nil
		}
	}
}

// RetrievedMessageBody applies the side effects of a body fetch: the body
// row, attachment files on disk and in the File table, the thread's search
// content, and the message's snippet and file list.
func (p *MailProcessor) RetrievedMessageBody(msg *models.Message, parsed *imapx.ParsedBody) error {
	files := make([]models.File, 0, len(parsed.Attachments))
	for _, att := range parsed.Attachments {
		f := models.File{
			ID:          models.IDForFile(msg.ID, att.PartID),
			AID:         p.account.ID,
			MessageID:   msg.ID,
			PartID:      att.PartID,
			Filename:    att.Filename,
			ContentID:   att.ContentID,
			ContentType: att.ContentType,
			Size:        int64(len(att.Content)),
		}
		if err := p.writeFileData(&f, att.Content); err != nil {
			log.Printf("processor: could not save file data for %s: %v", f.ID, err)
			continue
		}
		files = append(files, f)
	}

	if err := p.store.BeginTransaction(); err != nil {
		return err
	}

	err := p.store.SaveMessageBody(msg.ID, parsed.HTML)

	// A re-fetch is benign: the File rows may already exist, and that is the
	// one constraint violation worth ignoring here.
	if err == nil {
		for i := range files {
			f := files[i]
			if serr := p.store.Save(&f, true); serr != nil {
				if !store.IsUniqueConstraint(serr) {
					err = serr
					break
				}
				log.Printf("processor: file %s already exists", f.ID)
			}
		}
	}

	if err == nil {
		var thread *models.Thread
		thread, err = store.Find[models.Thread](p.store, store.Q().Equal("id", msg.ThreadID))
		if err == store.ErrNotFound {
			err = nil
		} else if err == nil {
			err = p.appendToThreadSearchContent(thread, msg, imapx.Snippet(parsed.Text, searchBodyLength))
			if err == nil {
				err = p.store.Save(thread, false)
			}
		}
	}

	if err == nil {
		msg.Snippet = imapx.Snippet(parsed.Text, snippetLength)
		msg.Files = files
		err = p.store.Save(msg, true)
	}

	if err != nil {
		p.store.RollbackTransaction()
		return err
	}
	return p.store.CommitTransaction()
}

// writeFileData persists attachment bytes at the content-addressed path.
func (p *MailProcessor) writeFileData(f *models.File, data []byte) error {
	path := f.DiskPath(p.filesRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating attachment directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing attachment: %w", err)
	}
	return nil
}

// appendToThreadSearchContent folds a message's participants and body text
// into the thread's FTS row, creating the row on first use.
func (p *MailProcessor) appendToThreadSearchContent(thread *models.Thread, msg *models.Message, bodyText string) error {
	var to, from string
	body := thread.Subject
	categories := thread.CategoriesSearchString()

	if thread.SearchRowID != 0 {
		existingTo, existingFrom, existingBody, err := p.store.ThreadSearchRow(thread.SearchRowID)
		if err == nil {
			to, from, body = existingTo, existingFrom, existingBody
		} else if err != store.ErrNotFound {
			return err
		}
	}

	if msg != nil {
		for _, c := range msg.To {
			to = appendParticipant(to, c)
		}
		for _, c := range msg.CC {
			to = appendParticipant(to, c)
		}
		for _, c := range msg.BCC {
			to = appendParticipant(to, c)
		}
		for _, c := range msg.From {
			from = appendParticipant(from, c)
		}
	}

	if bodyText != "" {
		body = body + " " + bodyText
	}

	if thread.SearchRowID != 0 {
		return p.store.UpdateThreadSearch(thread.SearchRowID, to, from, body, categories)
	}

	rowID, err := p.store.InsertThreadSearch(to, from, body, categories, thread.ID)
	if err != nil {
		return err
	}
	thread.SearchRowID = rowID
	return nil
}

func appendParticipant(s string, a models.Address) string {
	if a.Email != "" {
		s = s + " " + a.Email
	}
	if a.Name != "" {
		s = s + " " + a.Name
	}
	return s
}

// syncThreadState recomputes the denormalized thread fields and the
// ThreadCounts rows touched by a message change, deleting threads whose last
// message is gone. Runs inside the caller's transaction.
func (p *MailProcessor) syncThreadState(threadID, folderID string) error {
	if threadID == "" {
		return nil
	}

	thread, err := store.Find[models.Thread](p.store, store.Q().Equal("id", threadID))
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	unread, total, firstAt, lastAt, categories, err := p.store.ThreadAggregates(threadID)
	if err == store.ErrNotFound {
		// Last message removed: the thread goes with it.
		if err := p.store.Remove(thread); err != nil {
			return err
		}
		if err := p.store.RemoveThreadReferences(threadID); err != nil {
			return err
		}
		if err := p.store.DeleteThreadSearch(thread.SearchRowID); err != nil {
			return err
		}
		return p.recomputeCounts(append(thread.Categories, folderID))
	}
	if err != nil {
		return err
	}

	previousCategories := thread.Categories
	thread.Unread = unread
	thread.Total = total
	thread.FirstMessageAt = firstAt
	thread.LastMessageAt = lastAt
	thread.Categories = categories
	if err := p.store.Save(thread, true); err != nil {
		return err
	}
	return p.recomputeCounts(append(append([]string{folderID}, previousCategories...), categories...))
}

// recomputeCounts refreshes the ThreadCounts rows for a category set,
// deduplicated.
func (p *MailProcessor) recomputeCounts(categoryIDs []string) error {
	seen := make(map[string]bool, len(categoryIDs))
	for _, id := range categoryIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if err := p.store.RecomputeThreadCounts(id); err != nil {
			return err
		}
	}
	return nil
}

// upsertContacts indexes the message's participants for autocomplete,
// bumping refcounts only for messages the user sent themselves. Messages
// with more than 25 distinct To, Cc and From addresses together create no
// contacts.
func (p *MailProcessor) upsertContacts(msg *models.Message) error {
	byEmail := make(map[string]models.Address)
	for _, c := range msg.To {
		if key := models.NormalizeEmail(c.Email); key != "" {
			byEmail[key] = c
		}
	}
	for _, c := range msg.CC {
		if key := models.NormalizeEmail(c.Email); key != "" {
			byEmail[key] = c
		}
	}
	for _, c := range msg.From {
		if key := models.NormalizeEmail(c.Email); key != "" {
			byEmail[key] = c
		}
	}

	if len(byEmail) == 0 || len(byEmail) > 25 {
		return nil
	}

	emails := make([]string, 0, len(byEmail))
	for email := range byEmail {
		emails = append(emails, email)
	}

	existing, err := store.FindAll[models.Contact](p.store,
		store.Q().Equal("accountId", p.account.ID).InStrings("email", emails))
	if err != nil {
		return err
	}

	increment := msg.SentByUser(p.account.EmailAddress)
	for _, contact := range existing {
		if increment {
			contact.Refs++
			if err := p.store.Save(contact, false); err != nil {
				return err
			}
		}
		delete(byEmail, contact.Email)
	}

	for email, addr := range byEmail {
		contact := &models.Contact{
			ID:    models.IDForContact(p.account.ID, email),
			AID:   p.account.ID,
			Email: email,
			Name:  addr.Name,
		}
		if increment {
			contact.Refs = 1
		}
		if err := p.store.Save(contact, false); err != nil {
			return err
		}
		if err := p.store.InsertContactSearch(contact.ID, contact.SearchContent()); err != nil {
			return err
		}
	}
	return nil
}
