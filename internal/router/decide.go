package router

import (
	"strings"

	"github.com/zulandar/parley/internal/models"
)

// Verdict is the routing outcome for an inbound message.
type Verdict int

const (
	VerdictDrop Verdict = iota
	VerdictHoldForHuman
	VerdictAutoReply
	VerdictHoldForApproval
)

func (v Verdict) String() string {
	switch v {
	case VerdictDrop:
		return "drop"
	case VerdictHoldForHuman:
		return "hold-for-human"
	case VerdictAutoReply:
		return "auto-reply"
	case VerdictHoldForApproval:
		return "hold-for-approval"
	}
	return "unknown"
}

// Drop reasons reported by Decide.
const (
	ReasonBlocked          = "contact blocked"
	ReasonHumanTakeover    = "human takeover"
	ReasonAutoreplyOff     = "autoreply disabled"
	ReasonEmpty            = "no text and no media"
	ReasonNoSettings       = "tenant has no assistant settings"
	ReasonNotInContacts    = "contacts-only mode"
	ReasonApprovalRequired = "approval mode"
)

// Facts is everything Decide looks at.
type Facts struct {
	Contact  *models.Contact
	Settings *models.TenantSettings // nil when the tenant has none
	HasText  bool
	HasMedia bool
	// AlternateIdentity is true when the sender address is a secondary
	// identity of a known contact.
	AlternateIdentity bool
}

// Decide applies the routing precedence: blocked, human takeover, autoreply
// off, empty message, missing settings, contacts-only exclusion. Messages
// that pass are held for approval or auto-replied.
func Decide(f Facts) (Verdict, string) {
	c := f.Contact
	switch {
	case c.IsBlocked:
		return VerdictDrop, ReasonBlocked
	case c.HumanTakeover:
		return VerdictHoldForHuman, ReasonHumanTakeover
	case !c.AutoreplyEnabled:
		return VerdictDrop, ReasonAutoreplyOff
	case !f.HasText && !f.HasMedia:
		return VerdictDrop, ReasonEmpty
	case f.Settings == nil:
		return VerdictDrop, ReasonNoSettings
	case f.Settings.AutoreplyMode == models.AutoreplyContactsOnly && !c.IsManuallyAdded && !f.AlternateIdentity:
		return VerdictDrop, ReasonNotInContacts
	case c.ApprovalMode:
		return VerdictHoldForApproval, ReasonApprovalRequired
	}
	return VerdictAutoReply, ""
}

// AlternateIdentityServers returns a predicate matching addresses whose
// server part is one of servers, e.g. "lid" for "123@lid". An empty list
// matches nothing.
func AlternateIdentityServers(servers []string) func(address string) bool {
	set := make(map[string]bool, len(servers))
	for _, s := range servers {
		if s = strings.TrimPrefix(strings.TrimSpace(s), "@"); s != "" {
			set[strings.ToLower(s)] = true
		}
	}
	return func(address string) bool {
		_, server, ok := strings.Cut(address, "@")
		return ok && set[strings.ToLower(server)]
	}
}

// PhoneFromAddress returns "+<user>" for a personal address, without any
// device suffix.
func PhoneFromAddress(address string) string {
	user, _, _ := strings.Cut(address, "@")
	user, _, _ = strings.Cut(user, ":")
	user = strings.TrimPrefix(user, "+")
	if user == "" {
		return ""
	}
	return "+" + user
}
