package models

import "fmt"

// Account holds the endpoints and credentials for the one account this worker
// process is pinned to. It is immutable after construction.
type Account struct {
	ID      string `json:"id"`
	Version int    `json:"v"`
	EmailAddress string `json:"emailAddress"`

	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"imap_password"`
	IMAPSecurity string `json:"imap_security"` // "ssl", "starttls" or "none"
	IMAPAllowInsecureSSL bool `json:"imap_allow_insecure_ssl"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	SMTPSecurity string `json:"smtp_security"`
	SMTPAllowInsecureSSL bool `json:"smtp_allow_insecure_ssl"`

	RefreshToken string `json:"refresh_token,omitempty"`
}

func (a *Account) ModelID() string      { return a.ID }
func (a *Account) AccountID() string    { return a.ID }
func (a *Account) TableName() string    { return "Account" }
func (a *Account) ObjectClass() string  { return "Account" }
func (a *Account) ModelVersion() int    { return a.Version }
func (a *Account) SetModelVersion(v int) { a.Version = v }
func (a *Account) Columns() []string    { return []string{"emailAddress"} }
func (a *Account) BindValues() []any    { return []any{a.EmailAddress} }

// Valid reports whether the account carries enough identity and credentials
// to open sessions. Sync must not begin on an invalid account.
func (a *Account) Valid() error {
	if a.ID == "" {
		return fmt.Errorf("account has no id")
	}
	if a.IMAPHost == "" || a.IMAPUsername == "" {
		return fmt.Errorf("account %s has no IMAP endpoint", a.ID)
	}
	if a.IMAPPassword == "" && a.RefreshToken == "" {
		return fmt.Errorf("account %s has no credentials", a.ID)
	}
	return nil
}

// IMAPAddr returns the host:port dial address for the IMAP endpoint.
func (a *Account) IMAPAddr() string {
	port := a.IMAPPort
	if port == 0 {
		port = 993
	}
	return fmt.Sprintf("%s:%d", a.IMAPHost, port)
}

// SMTPAddr returns the host:port dial address for the SMTP endpoint.
func (a *Account) SMTPAddr() string {
	port := a.SMTPPort
	if port == 0 {
		port = 587
	}
	return fmt.Sprintf("%s:%d", a.SMTPHost, port)
}
