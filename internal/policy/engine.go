package policy

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"bartleby/internal/model"
)

const (
	// CookieMaxAge is how long an identity cookie stays valid
	CookieMaxAge = 90 * 24 * time.Hour
	// cookieTokenLen matches the width of result_rows.cookie
	cookieTokenLen = 20
)

// ErrNoRow is returned by RowFinder.LatestRow when the identity has no rows
var ErrNoRow = errors.New("no result row")

// RowFinder looks up previously recorded rows. Implementations must query
// the store on every call.
type RowFinder interface {
	CountRows(ctx context.Context, formID string, id model.Identity) (int, error)
	LatestRow(ctx context.Context, formID string, id model.Identity) (*model.ResultRow, error)
}

// Requester is what the engine knows about whoever is submitting
type Requester struct {
	UserID        string
	Authenticated bool
	RemoteIP      string
	Cookie        string
}

// Resolution is the outcome of the login gate and identity resolution
type Resolution struct {
	Identity model.Identity
	Deny     model.DenyReason
	// SetCookie is non-nil when the response must carry a freshly minted identity cookie
	SetCookie *http.Cookie
}

// Denied reports whether the attempt was rejected before gating
func (r Resolution) Denied() bool { return r.Deny != "" }

// Decision is the final verdict on a submission attempt
type Decision struct {
	Allowed   bool
	Action    model.Action
	Row       *model.ResultRow
	Identity  model.Identity
	Deny      model.DenyReason
	SetCookie *http.Cookie
}

// Engine decides whether a submission may proceed and how it is recorded
type Engine struct {
	secret []byte
	now    func() time.Time
}

func NewEngine(secret []byte) *Engine {
	return &Engine{secret: secret, now: time.Now}
}

// WithClock returns a copy of the engine that reads time from now
func (e *Engine) WithClock(now func() time.Time) *Engine {
	c := *e
	c.now = now
	return &c
}

func (e *Engine) mac(parts ...string) string {
	h := hmac.New(sha256.New, e.secret)
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CookieName is the name of the identity cookie for a form
func (e *Engine) CookieName(form *model.Form) string {
	return "bartleby_" + e.mac("cookie-name", form.ID)[:12]
}

// MintCookie creates a new identity cookie for a form
func (e *Engine) MintCookie(form *model.Form) *http.Cookie {
	now := e.now()
	token := e.mac("cookie", form.ID, strconv.FormatInt(now.UnixNano(), 10), ulid.Make().String())[:cookieTokenLen]
	return &http.Cookie{
		Name:     e.CookieName(form),
		Value:    token,
		Path:     "/",
		MaxAge:   int(CookieMaxAge / time.Second),
		Expires:  now.Add(CookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// CookieFrom returns the form's identity token among cookies. Values that
// could not have been minted here are ignored.
func (e *Engine) CookieFrom(form *model.Form, cookies []*http.Cookie) string {
	name := e.CookieName(form)
	for _, c := range cookies {
		if c.Name != name {
			continue
		}
		if len(c.Value) != cookieTokenLen {
			return ""
		}
		if _, err := hex.DecodeString(c.Value); err != nil {
			return ""
		}
		return c.Value
	}
	return ""
}

// needsIdentity reports whether gating depends on knowing who submits
func needsIdentity(form *model.Form) bool {
	return form.MaxSubmissions > 0 || form.AllowChanges
}

// Resolve applies the login gate and picks the identity to record against:
// user, then IP, then cookie.
func (e *Engine) Resolve(form *model.Form, req Requester) Resolution {
	if form.LoginRequired && !req.Authenticated {
		return Resolution{Deny: model.DenyLoginRequired}
	}

	switch form.Record {
	case model.TrackNone:
		return Resolution{}
	case model.TrackUserOrIP:
		if req.Authenticated && req.UserID != "" {
			return Resolution{Identity: model.Identity{Kind: model.IdentityUser, Value: req.UserID}}
		}
	}
	if req.RemoteIP != "" {
		return Resolution{Identity: model.Identity{Kind: model.IdentityIP, Value: req.RemoteIP}}
	}

	if req.Cookie != "" {
		return Resolution{Identity: model.Identity{Kind: model.IdentityCookie, Value: req.Cookie}}
	}

	cookie := e.MintCookie(form)
	if needsIdentity(form) {
		return Resolution{Deny: model.DenyCookiesRequired, SetCookie: cookie}
	}
	return Resolution{
		Identity:  model.Identity{Kind: model.IdentityCookie, Value: cookie.Value},
		SetCookie: cookie,
	}
}

// Gate applies submission limits and picks create or update. It re-queries
// rows on every call.
func (e *Engine) Gate(ctx context.Context, rows RowFinder, form *model.Form, id model.Identity) (Decision, error) {
	allow := Decision{Allowed: true, Action: model.ActionCreate, Identity: id}
	if id.IsZero() {
		return allow, nil
	}

	if form.AllowChanges {
		row, err := rows.LatestRow(ctx, form.ID, id)
		switch {
		case err == nil:
			allow.Action = model.ActionUpdate
			allow.Row = row
			return allow, nil
		case !errors.Is(err, ErrNoRow):
			return Decision{}, fmt.Errorf("failed to find latest row: %w", err)
		}
	}

	if form.MaxSubmissions == 0 {
		return allow, nil
	}

	count, err := rows.CountRows(ctx, form.ID, id)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count rows: %w", err)
	}
	if count >= form.MaxSubmissions {
		return Decision{Identity: id, Deny: model.DenyLimitReached}, nil
	}
	return allow, nil
}

// Evaluate runs Resolve and, if the attempt survives, Gate
func (e *Engine) Evaluate(ctx context.Context, rows RowFinder, form *model.Form, req Requester) (Decision, error) {
	res := e.Resolve(form, req)
	if res.Denied() {
		return Decision{Deny: res.Deny, SetCookie: res.SetCookie}, nil
	}
	d, err := e.Gate(ctx, rows, form, res.Identity)
	if err != nil {
		return Decision{}, err
	}
	d.SetCookie = res.SetCookie
	return d, nil
}
