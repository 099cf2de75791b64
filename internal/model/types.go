package model

import (
	"encoding/json"
	"time"
)

// TrackingMode controls which identity a submission is recorded against
type TrackingMode string

const (
	TrackUserOrIP TrackingMode = "user"
	TrackIPOnly   TrackingMode = "ip"
	TrackNone     TrackingMode = "none"
)

// Valid reports whether m is one of the known tracking modes
func (m TrackingMode) Valid() bool {
	switch m {
	case TrackUserOrIP, TrackIPOnly, TrackNone:
		return true
	}
	return false
}

// Action is the effect an allowed submission has on stored results
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// DenyReason explains why the policy engine rejected a submission
type DenyReason string

const (
	DenyLoginRequired   DenyReason = "login-required"
	DenyLimitReached    DenyReason = "submission-limit-reached"
	DenyCookiesRequired DenyReason = "cookies-required"
)

// Message returns the user-facing text for the reason
func (r DenyReason) Message() string {
	switch r {
	case DenyLoginRequired:
		return "You must be logged in to use this form."
	case DenyLimitReached:
		return "You have already submitted this form the maximum number of times."
	case DenyCookiesRequired:
		return "Please enable cookies and try again."
	}
	return "Submission not allowed."
}

// IdentityKind identifies which requester attribute an identity was taken from
type IdentityKind string

const (
	IdentityNone   IdentityKind = ""
	IdentityUser   IdentityKind = "user"
	IdentityIP     IdentityKind = "ip"
	IdentityCookie IdentityKind = "cookie"
)

// Identity is the resolved submitter of a form
type Identity struct {
	Kind  IdentityKind `json:"kind,omitempty"`
	Value string       `json:"value,omitempty"`
}

// IsZero reports whether no identity was resolved
func (i Identity) IsZero() bool {
	return i.Kind == IdentityNone || i.Value == ""
}

func (i Identity) String() string {
	if i.IsZero() {
		return ""
	}
	return string(i.Kind) + ":" + i.Value
}

// Form is an administrator-defined form and its submission policy
type Form struct {
	ID             string       `json:"id"`
	Key            string       `json:"key"`
	Name           string       `json:"name"`
	HelpText       string       `json:"helpText,omitempty"`
	Record         TrackingMode `json:"record"`
	LoginRequired  bool         `json:"loginRequired"`
	AllowChanges   bool         `json:"allowChanges"`
	MaxSubmissions int          `json:"maxSubmissions"`
	Honeypot       bool         `json:"honeypot"`
	SaveToDatabase bool         `json:"saveToDatabase"`
	EmailTemplate  string       `json:"emailTemplate,omitempty"`
	EmailSender    string       `json:"emailSender,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Choice is one permitted value of a field
type Choice struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	VerboseName string `json:"verboseName"`
	Order       int    `json:"order"`
}

// Field is one question of a form
type Field struct {
	ID       string   `json:"id"`
	FormID   string   `json:"formId"`
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	HelpText string   `json:"helpText,omitempty"`
	Required bool     `json:"required"`
	Multiple bool     `json:"multiple"`
	Order    int      `json:"order"`
	Choices  []Choice `json:"choices,omitempty"`
}

// ResultRow is one recorded submission
type ResultRow struct {
	ID        string    `json:"id"`
	FormID    string    `json:"formId"`
	Submitted time.Time `json:"submitted"`
	UserID    string    `json:"userId,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	Cookie    string    `json:"cookie,omitempty"`
}

// Submitter returns the first recorded identity attribute of the row
func (r ResultRow) Submitter() string {
	switch {
	case r.UserID != "":
		return r.UserID
	case r.IPAddress != "":
		return r.IPAddress
	}
	return r.Cookie
}

// FieldValue is the stored answer of one field in one row
type FieldValue struct {
	FieldID string          `json:"fieldId"`
	RowID   string          `json:"rowId"`
	Value   json.RawMessage `json:"value"`
}

// User is a notification recipient
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
}

// DisplayName returns the full name, falling back to the username
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}

// Group is a named set of users
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}
