package engine

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/tuksik/mailsync/internal/imapx"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/smtpx"
	"github.com/tuksik/mailsync/internal/store"
)

// Task constructor names, the dispatch discriminator set by the client.
const (
	TaskChangeUnread  = "ChangeUnreadTask"
	TaskChangeStarred = "ChangeStarredTask"
	TaskChangeFolder  = "ChangeFolderTask"
	TaskChangeLabels  = "ChangeLabelsTask"
	TaskSendDraft     = "SendDraftTask"
)

// TaskProcessor runs the two phases of user-initiated mutations: the
// optimistic local effect inside a store transaction, then the authoritative
// remote change against the server.
type TaskProcessor struct {
	store     *store.Store
	processor *MailProcessor
	session   imapx.Session
	account   *models.Account
}

// NewTaskProcessor wires a processor. session may be nil when only the local
// phase will run.
func NewTaskProcessor(st *store.Store, processor *MailProcessor, session imapx.Session, account *models.Account) *TaskProcessor {
	return &TaskProcessor{store: st, processor: processor, session: session, account: account}
}

type taskHandler struct {
	local  func(tp *TaskProcessor, task *models.Task) error
	remote func(tp *TaskProcessor, task *models.Task) error
}

var taskHandlers = map[string]taskHandler{
	TaskChangeUnread:  {local: (*TaskProcessor).localChangeUnread, remote: (*TaskProcessor).remoteChangeUnread},
	TaskChangeStarred: {local: (*TaskProcessor).localChangeStarred, remote: (*TaskProcessor).remoteChangeStarred},
	TaskChangeFolder:  {local: (*TaskProcessor).localChangeFolder, remote: (*TaskProcessor).remoteChangeFolder},
	TaskChangeLabels:  {local: (*TaskProcessor).localChangeLabels, remote: (*TaskProcessor).remoteChangeLabels},
	TaskSendDraft:     {local: (*TaskProcessor).localSendDraft, remote: (*TaskProcessor).remoteSendDraft},
}

// PerformLocal runs the optimistic local effect and transitions the task
// local → remote. A rejecting handler writes the error and the task goes
// straight to complete.
func (tp *TaskProcessor) PerformLocal(task *models.Task) error {
	handler, ok := taskHandlers[task.Cls]
	if !ok {
		task.SetError(fmt.Sprintf("unknown task %q", task.Cls))
		task.Status = models.TaskStatusComplete
		return tp.store.Save(task, true)
	}

	if err := tp.store.BeginTransaction(); err != nil {
		return err
	}

	if err := handler.local(tp, task); err != nil {
		tp.store.RollbackTransaction()
		log.Printf("task %s (%s): local phase rejected: %v", task.ID, task.Cls, err)
		task.SetError(err.Error())
		task.Status = models.TaskStatusComplete
		return tp.store.Save(task, true)
	}

	task.Status = models.TaskStatusRemote
	if err := tp.store.Save(task, true); err != nil {
		tp.store.RollbackTransaction()
		return err
	}
	return tp.store.CommitTransaction()
}

// PerformRemote applies the authoritative change on the server and
// transitions remote → complete. Retryable failures keep the task in remote
// for the next loop; non-retryable failures complete it with the error set
// and the local effect preserved. should_cancel short-circuits the phase.
func (tp *TaskProcessor) PerformRemote(task *models.Task) error {
	if task.ShouldCancel {
		task.Status = models.TaskStatusCancelled
		return tp.store.Save(task, true)
	}

	handler, ok := taskHandlers[task.Cls]
	if !ok {
		task.SetError(fmt.Sprintf("unknown task %q", task.Cls))
		task.Status = models.TaskStatusComplete
		return tp.store.Save(task, true)
	}

	if err := handler.remote(tp, task); err != nil {
		if imapx.IsRetryable(err) {
			log.Printf("task %s (%s): remote phase failed, will retry: %v", task.ID, task.Cls, err)
			return err
		}
		log.Printf("task %s (%s): remote phase failed permanently: %v", task.ID, task.Cls, err)
		task.SetError(err.Error())
	}

	task.Status = models.TaskStatusComplete
	return tp.store.Save(task, true)
}

// --- payloads ---

type changeUnreadPayload struct {
	MessageIDs []string `json:"messageIds"`
	Unread     bool     `json:"unread"`
}

type changeStarredPayload struct {
	MessageIDs []string `json:"messageIds"`
	Starred    bool     `json:"starred"`
}

type changeFolderPayload struct {
	MessageIDs []string `json:"messageIds"`
	FolderID   string   `json:"folderId"`

	// Sources records where the messages lived before the optimistic local
	// rebind, so the remote phase still knows which folder each UID belongs
	// to. Written back into the payload by the local phase.
	Sources []folderSource `json:"sources,omitempty"`
}

type folderSource struct {
	Path string   `json:"path"`
	UIDs []uint32 `json:"uids"`
}

type changeLabelsPayload struct {
	MessageIDs     []string `json:"messageIds"`
	LabelsToAdd    []string `json:"labelsToAdd"`
	LabelsToRemove []string `json:"labelsToRemove"`
}

type sendDraftPayload struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Raw  string   `json:"raw"`
}

func decodePayload[T any](task *models.Task) (*T, error) {
	var payload T
	if len(task.Payload) == 0 {
		return nil, fmt.Errorf("task has no payload")
	}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	return &payload, nil
}

// messagesByID loads the payload's messages, skipping ids that no longer
// exist.
func (tp *TaskProcessor) messagesByID(ids []string) ([]*models.Message, error) {
	return store.FindAll[models.Message](tp.store, store.Q().InStrings("id", ids))
}

// uidsByFolder groups the messages' real UIDs by folder path for the remote
// phase. Unlinked messages have no remote position and are skipped.
func uidsByFolder(messages []*models.Message) map[string][]uint32 {
	out := make(map[string][]uint32)
	for _, msg := range messages {
		if msg.Unlinked() {
			continue
		}
		out[msg.FolderPath] = append(out[msg.FolderPath], msg.FolderImapUID)
	}
	return out
}

// --- ChangeUnreadTask ---

func (tp *TaskProcessor) localChangeUnread(task *models.Task) error {
	payload, err := decodePayload[changeUnreadPayload](task)
	if err != nil {
		return err
	}
	messages, err := tp.messagesByID(payload.MessageIDs)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if msg.Unread == payload.Unread {
			continue
		}
		msg.Unread = payload.Unread
		if err := tp.store.Save(msg, true); err != nil {
			return err
		}
		if err := tp.processor.syncThreadState(msg.ThreadID, msg.FolderID); err != nil {
			return err
		}
	}
	return nil
}

func (tp *TaskProcessor) remoteChangeUnread(task *models.Task) error {
	payload, err := decodePayload[changeUnreadPayload](task)
	if err != nil {
		return err
	}
	messages, err := tp.messagesByID(payload.MessageIDs)
	if err != nil {
		return err
	}
	for path, uids := range uidsByFolder(messages) {
		if payload.Unread {
			err = tp.session.RemoveFlags(path, uids, []string{"\\Seen"})
		} else {
			err = tp.session.AddFlags(path, uids, []string{"\\Seen"})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// --- ChangeStarredTask ---

func (tp *TaskProcessor) localChangeStarred(task *models.Task) error {
	payload, err := decodePayload[changeStarredPayload](task)
	if err != nil {
		return err
	}
	messages, err := tp.messagesByID(payload.MessageIDs)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if msg.Starred == payload.Starred {
			continue
		}
		msg.Starred = payload.Starred
		if err := tp.store.Save(msg, true); err != nil {
			return err
		}
	}
	return nil
}

func (tp *TaskProcessor) remoteChangeStarred(task *models.Task) error {
	payload, err := decodePayload[changeStarredPayload](task)
	if err != nil {
		return err
	}
	messages, err := tp.messagesByID(payload.MessageIDs)
	if err != nil {
		return err
	}
	for path, uids := range uidsByFolder(messages) {
		if payload.Starred {
			err = tp.session.AddFlags(path, uids, []string{"\\Flagged"})
		} else {
			err = tp.session.RemoveFlags(path, uids, []string{"\\Flagged"})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// --- ChangeFolderTask ---

func (tp *TaskProcessor) localChangeFolder(task *models.Task) error {
	payload, err := decodePayload[changeFolderPayload](task)
	if err != nil {
		return err
	}
	folder, err := store.Find[models.Folder](tp.store, store.Q().Equal("id", payload.FolderID))
	if err == store.ErrNotFound {
		return fmt.Errorf("destination folder %s does not exist", payload.FolderID)
	}
	if err != nil {
		return err
	}

	messages, err := tp.messagesByID(payload.MessageIDs)
	if err != nil {
		return err
	}

	sources := make(map[string][]uint32)
	for _, msg := range messages {
		if msg.FolderID == folder.ID {
			continue
		}
		oldFolderID := msg.FolderID
		if !msg.Unlinked() {
			sources[msg.FolderPath] = append(sources[msg.FolderPath], msg.FolderImapUID)
		}
		msg.FolderID = folder.ID
		msg.FolderPath = folder.Path
		if err := tp.store.Save(msg, true); err != nil {
			return err
		}
		if err := tp.processor.syncThreadState(msg.ThreadID, oldFolderID); err != nil {
			return err
		}
	}

	payload.Sources = payload.Sources[:0]
	for path, uids := range sources {
		payload.Sources = append(payload.Sources, folderSource{Path: path, UIDs: uids})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	task.Payload = data
	return nil
}

func (tp *TaskProcessor) remoteChangeFolder(task *models.Task) error {
	payload, err := decodePayload[changeFolderPayload](task)
	if err != nil {
		return err
	}
	folder, err := store.Find[models.Folder](tp.store, store.Q().Equal("id", payload.FolderID))
	if err != nil {
		return fmt.Errorf("destination folder %s does not exist", payload.FolderID)
	}

	// The local phase already rebound the messages, so the payload's source
	// record is the only place the UIDs' true folders survive.
	for _, src := range payload.Sources {
		if src.Path == folder.Path || len(src.UIDs) == 0 {
			continue
		}
		if err := tp.session.MoveMessages(src.Path, src.UIDs, folder.Path); err != nil {
			return err
		}
	}
	return nil
}

// --- ChangeLabelsTask ---

func (tp *TaskProcessor) localChangeLabels(task *models.Task) error {
	payload, err := decodePayload[changeLabelsPayload](task)
	if err != nil {
		return err
	}
	messages, err := tp.messagesByID(payload.MessageIDs)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		msg.Labels = applyLabelChanges(msg.Labels, payload.LabelsToAdd, payload.LabelsToRemove)
		if err := tp.store.Save(msg, true); err != nil {
			return err
		}
	}
	return nil
}

func (tp *TaskProcessor) remoteChangeLabels(task *models.Task) error {
	payload, err := decodePayload[changeLabelsPayload](task)
	if err != nil {
		return err
	}
	messages, err := tp.messagesByID(payload.MessageIDs)
	if err != nil {
		return err
	}
	for path, uids := range uidsByFolder(messages) {
		if len(payload.LabelsToAdd) > 0 {
			if err := tp.session.AddLabels(path, uids, payload.LabelsToAdd); err != nil {
				return err
			}
		}
		if len(payload.LabelsToRemove) > 0 {
			if err := tp.session.RemoveLabels(path, uids, payload.LabelsToRemove); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyLabelChanges(labels, add, remove []string) []string {
	set := make(map[string]bool, len(labels)+len(add))
	var out []string
	for _, l := range labels {
		if !set[l] {
			set[l] = true
			out = append(out, l)
		}
	}
	for _, l := range add {
		if !set[l] {
			set[l] = true
			out = append(out, l)
		}
	}
	if len(remove) > 0 {
		removeSet := make(map[string]bool, len(remove))
		for _, l := range remove {
			removeSet[l] = true
		}
		filtered := out[:0]
		for _, l := range out {
			if !removeSet[l] {
				filtered = append(filtered, l)
			}
		}
		out = filtered
	}
	return out
}

// --- SendDraftTask ---

func (tp *TaskProcessor) localSendDraft(task *models.Task) error {
	payload, err := decodePayload[sendDraftPayload](task)
	if err != nil {
		return err
	}
	if len(payload.To) == 0 {
		return fmt.Errorf("draft has no recipients")
	}
	if payload.Raw == "" {
		return fmt.Errorf("draft has no content")
	}
	return nil
}

func (tp *TaskProcessor) remoteSendDraft(task *models.Task) error {
	payload, err := decodePayload[sendDraftPayload](task)
	if err != nil {
		return err
	}
	from := payload.From
	if from == "" {
		from = tp.account.EmailAddress
	}
	return smtpx.Send(tp.account, from, payload.To, []byte(payload.Raw))
}
