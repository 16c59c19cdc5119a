package models

import "path/filepath"

// File is attachment metadata. Bytes live on disk under a content-addressed
// path; the unique key is (MessageID, PartID).
type File struct {
	ID      string `json:"id"`
	AID     string `json:"aid"`
	Version int    `json:"v"`

	MessageID   string `json:"messageId"`
	PartID      string `json:"partId"`
	Filename    string `json:"filename"`
	ContentID   string `json:"contentId,omitempty"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

func (f *File) ModelID() string       { return f.ID }
func (f *File) AccountID() string     { return f.AID }
func (f *File) TableName() string     { return "File" }
func (f *File) ObjectClass() string   { return "File" }
func (f *File) ModelVersion() int     { return f.Version }
func (f *File) SetModelVersion(v int) { f.Version = v }
func (f *File) Columns() []string     { return []string{"messageId", "partId", "filename"} }
func (f *File) BindValues() []any     { return []any{f.MessageID, f.PartID, f.Filename} }

// DiskPath returns the content-addressed location of the file's bytes under
// root, fanned out by id prefix to keep directories small.
func (f *File) DiskPath(root string) string {
	name := f.Filename
	if name == "" {
		name = "untitled"
	}
	return filepath.Join(root, "files", f.ID[0:2], f.ID[2:4], f.ID, name)
}

// Contact is an address-book entry derived from message participants. Refs
// counts how many times the user themselves sent to the contact.
type Contact struct {
	ID      string `json:"id"`
	AID     string `json:"aid"`
	Version int    `json:"v"`

	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Refs  int    `json:"refs"`
}

func (c *Contact) ModelID() string       { return c.ID }
func (c *Contact) AccountID() string     { return c.AID }
func (c *Contact) TableName() string     { return "Contact" }
func (c *Contact) ObjectClass() string   { return "Contact" }
func (c *Contact) ModelVersion() int     { return c.Version }
func (c *Contact) SetModelVersion(v int) { c.Version = v }
func (c *Contact) Columns() []string     { return []string{"email", "refs"} }
func (c *Contact) BindValues() []any     { return []any{c.Email, c.Refs} }

// SearchContent renders the contact for the ContactSearch FTS index.
func (c *Contact) SearchContent() string {
	if c.Name == "" {
		return c.Email
	}
	return c.Name + " " + c.Email
}
