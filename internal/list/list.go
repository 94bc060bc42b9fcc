// Package list implements per-list state: membership, moderation and
// subscription requests, bounce records, held messages, and their
// on-disk persistence.
package list

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DeliveryStatus is a subscriber's delivery state. The five values below
// exhaust the observable states; nothing else survives a save/load
// round trip.
type DeliveryStatus string

const (
	StatusEnabled  DeliveryStatus = "enabled"
	StatusByBounce DeliveryStatus = "bybounce"
	StatusByAdmin  DeliveryStatus = "byadmin"
	StatusByUser   DeliveryStatus = "byuser"
	StatusUnknown  DeliveryStatus = "unknown"
)

// Valid reports whether s is one of the five delivery states.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusEnabled, StatusByBounce, StatusByAdmin, StatusByUser, StatusUnknown:
		return true
	}
	return false
}

// NonMemberAction is the list policy applied to posts from non-members.
type NonMemberAction string

const (
	ActionAccept  NonMemberAction = "accept"
	ActionHold    NonMemberAction = "hold"
	ActionReject  NonMemberAction = "reject"
	ActionDiscard NonMemberAction = "discard"
)

// SubscribePolicy governs how subscription requests are processed.
type SubscribePolicy string

const (
	SubscribeOpen    SubscribePolicy = "open"    // subscribe immediately
	SubscribeConfirm SubscribePolicy = "confirm" // require emailed confirmation
	SubscribeApprove SubscribePolicy = "approve" // require moderator approval
)

// Subscriber is one list member. The address is case-preserved for
// display; the membership map key is its lowercase form, and both must
// resolve to the same record.
type Subscriber struct {
	Address          string         `json:"address"`
	Name             string         `json:"name,omitempty"`
	PasswordHash     string         `json:"password_hash,omitempty"`
	Language         string         `json:"language,omitempty"`
	DeliveryStatus   DeliveryStatus `json:"delivery_status"`
	StatusChanged    time.Time      `json:"status_changed"`
	Digest           bool           `json:"digest"`
	Moderated        bool           `json:"moderated"`
	SuppressReminder bool           `json:"suppress_reminder"`
	Joined           time.Time      `json:"joined"`
}

// BounceInfo is the per-subscriber scoring and notification record that
// drives automatic disable and removal.
type BounceInfo struct {
	Score       float64   `json:"score"`
	Date        time.Time `json:"date"`         // day of the first bounce in this scoring window
	LastBounce  time.Time `json:"last_bounce"`  // most recent bounce
	Cookie      string    `json:"cookie"`       // re-enable confirmation token
	NoticeCount int       `json:"notice_count"` // disable warnings sent so far
	LastNotice  time.Time `json:"last_notice"`
}

// RequestKind classifies a pending request.
type RequestKind string

const (
	ReqSubscription    RequestKind = "subscription"
	ReqUnsubscription  RequestKind = "unsubscription"
	ReqChangeOfAddress RequestKind = "change_of_address"
	ReqHeldMessage     RequestKind = "held_message"
	ReqReEnable        RequestKind = "re_enable"
)

// PendingRequest is a unit of work awaiting confirmation or moderator
// disposition. IDs are unique per list and monotonically assigned; the
// cookie is a distinct opaque token suitable for confirmation URLs.
type PendingRequest struct {
	ID      int               `json:"id"`
	Kind    RequestKind       `json:"kind"`
	Cookie  string            `json:"cookie"`
	Created time.Time         `json:"created"`
	Expires time.Time         `json:"expires"`
	Sender  string            `json:"sender,omitempty"`
	Address string            `json:"address,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// MailList is the authoritative state of one mailing list.
type MailList struct {
	Name        string `json:"name"` // lowercase
	Host        string `json:"host"`
	DisplayName string `json:"display_name,omitempty"`

	Owners     []string `json:"owners,omitempty"`
	Moderators []string `json:"moderators,omitempty"`

	AdminPasswordHash     string `json:"admin_password_hash,omitempty"`
	ModeratorPasswordHash string `json:"moderator_password_hash,omitempty"`

	Language string `json:"language,omitempty"`

	// Posting policy
	DefaultModerate bool            `json:"default_moderate"`
	NonMemberAction NonMemberAction `json:"non_member_action"`
	SubscribePolicy SubscribePolicy `json:"subscribe_policy"`
	MaxMessageSize  int             `json:"max_message_size,omitempty"` // bytes, 0 = unlimited
	MaxDaysToHold   int             `json:"max_days_to_hold"`

	// Message decoration
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	Footer        string `json:"footer,omitempty"`

	// Digest configuration
	DigestEnabled  bool      `json:"digest_enabled"`
	DigestVolume   int       `json:"digest_volume"`
	DigestIssue    int       `json:"digest_issue"`
	DigestSizeKB   int       `json:"digest_size_kb"`
	DigestPeriodic bool      `json:"digest_periodic"` // send on schedule even below size threshold
	LastVolumeBump time.Time `json:"last_volume_bump,omitempty"`
	LastDigestSent time.Time `json:"last_digest_sent,omitempty"`

	// Archive
	Archive bool `json:"archive"`

	// Bounce policy
	BounceProcessing   bool    `json:"bounce_processing"`
	BounceThreshold    float64 `json:"bounce_threshold"`
	BounceStaleAfter   int     `json:"bounce_stale_after_days"`
	BounceWarnInterval int     `json:"bounce_warn_interval_days"`
	BounceMaxWarnings  int     `json:"bounce_max_warnings"`
	BounceNotifyOwner  bool    `json:"bounce_notify_owner"`

	// Which disabled states receive periodic warnings
	WarnStates []DeliveryStatus `json:"warn_states,omitempty"`

	// USENET gating
	GateFromNews    bool   `json:"gate_from_news"`
	GateToNews      bool   `json:"gate_to_news"`
	NewsServer      string `json:"news_server,omitempty"`
	NewsGroup       string `json:"news_group,omitempty"`
	UsenetWatermark int    `json:"usenet_watermark"`

	// State owned by the engines
	Members     map[string]*Subscriber `json:"members"`      // keyed lowercase
	Bounces     map[string]*BounceInfo `json:"bounces"`      // keyed lowercase
	AutoReplies map[string]*ReplyCount `json:"auto_replies"` // keyed lowercase sender

	Created time.Time `json:"created"`

	store *Store         // nil for detached values
	lock  *listLockState // set while locked
}

// ReplyCount is the rolling per-sender auto-response counter that
// prevents reply loops to bouncing or hostile senders.
type ReplyCount struct {
	Count int    `json:"count"`
	Day   string `json:"day"` // YYYY-MM-DD
}

// Common errors
var (
	ErrNoSuchMember  = errors.New("no such member")
	ErrAlreadyMember = errors.New("already a member")
	ErrNoSuchList    = errors.New("no such list")
	ErrBadStatus     = errors.New("invalid delivery status")
)

// Address returns the list's posting address.
func (ml *MailList) Address() string {
	return ml.Name + "@" + ml.Host
}

// OwnerAddress returns the -owner alias address.
func (ml *MailList) OwnerAddress() string {
	return ml.Name + "-owner@" + ml.Host
}

// RequestAddress returns the -request alias address.
func (ml *MailList) RequestAddress() string {
	return ml.Name + "-request@" + ml.Host
}

// BounceAddress returns the -bounces alias address.
func (ml *MailList) BounceAddress() string {
	return ml.Name + "-bounces@" + ml.Host
}

// CanonicalKey normalizes an address for keying.
func CanonicalKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// GetMember looks up a subscriber by address, case-insensitively.
func (ml *MailList) GetMember(address string) (*Subscriber, bool) {
	sub, ok := ml.Members[CanonicalKey(address)]
	return sub, ok
}

// IsMember reports whether address is subscribed.
func (ml *MailList) IsMember(address string) bool {
	_, ok := ml.GetMember(address)
	return ok
}

// AddMember subscribes an address. The password is stored as a bcrypt
// hash; an empty password leaves the hash empty.
func (ml *MailList) AddMember(address, name, password string) (*Subscriber, error) {
	key := CanonicalKey(address)
	if key == "" || !strings.Contains(key, "@") {
		return nil, fmt.Errorf("invalid address: %q", address)
	}
	if _, ok := ml.Members[key]; ok {
		return nil, ErrAlreadyMember
	}

	sub := &Subscriber{
		Address:        strings.TrimSpace(address),
		Name:           name,
		Language:       ml.Language,
		DeliveryStatus: StatusEnabled,
		StatusChanged:  time.Now(),
		Moderated:      ml.DefaultModerate,
		Joined:         time.Now(),
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash member password: %w", err)
		}
		sub.PasswordHash = string(hash)
	}
	if ml.Members == nil {
		ml.Members = make(map[string]*Subscriber)
	}
	ml.Members[key] = sub
	return sub, nil
}

// RemoveMember unsubscribes an address, dropping any bounce record too.
func (ml *MailList) RemoveMember(address string) error {
	key := CanonicalKey(address)
	if _, ok := ml.Members[key]; !ok {
		return ErrNoSuchMember
	}
	delete(ml.Members, key)
	delete(ml.Bounces, key)
	return nil
}

// MemberKeys returns the lowercase keys of all subscribers, unsorted.
func (ml *MailList) MemberKeys() []string {
	keys := make([]string, 0, len(ml.Members))
	for k := range ml.Members {
		keys = append(keys, k)
	}
	return keys
}

// RegularRecipients returns delivery addresses of enabled non-digest
// members.
func (ml *MailList) RegularRecipients() []string {
	var out []string
	for _, sub := range ml.Members {
		if sub.DeliveryStatus == StatusEnabled && !sub.Digest {
			out = append(out, CanonicalKey(sub.Address))
		}
	}
	return out
}

// DigestRecipients returns delivery addresses of enabled digest members.
func (ml *MailList) DigestRecipients() []string {
	var out []string
	for _, sub := range ml.Members {
		if sub.DeliveryStatus == StatusEnabled && sub.Digest {
			out = append(out, CanonicalKey(sub.Address))
		}
	}
	return out
}

// SetDeliveryStatus transitions a member's delivery state, stamping the
// change time. Only the five closed states are accepted.
func (ml *MailList) SetDeliveryStatus(address string, status DeliveryStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	sub, ok := ml.GetMember(address)
	if !ok {
		return ErrNoSuchMember
	}
	if sub.DeliveryStatus == status {
		return nil
	}
	sub.DeliveryStatus = status
	sub.StatusChanged = time.Now()
	if status != StatusByBounce {
		// Leaving bounce-disabled state retires the scoring record.
		delete(ml.Bounces, CanonicalKey(address))
	}
	return nil
}

// DeliveryStatusOf returns a member's delivery state.
func (ml *MailList) DeliveryStatusOf(address string) (DeliveryStatus, error) {
	sub, ok := ml.GetMember(address)
	if !ok {
		return "", ErrNoSuchMember
	}
	return sub.DeliveryStatus, nil
}

// BounceInfoOf returns a member's bounce record, if any.
func (ml *MailList) BounceInfoOf(address string) (*BounceInfo, bool) {
	info, ok := ml.Bounces[CanonicalKey(address)]
	return info, ok
}

// SetAdminPassword stores a bcrypt hash of the administrator password.
func (ml *MailList) SetAdminPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	ml.AdminPasswordHash = string(hash)
	return nil
}

// CheckAdminPassword verifies the administrator password. The moderator
// password is accepted too, mirroring the admin/moderator split.
func (ml *MailList) CheckAdminPassword(password string) bool {
	if ml.AdminPasswordHash != "" &&
		bcrypt.CompareHashAndPassword([]byte(ml.AdminPasswordHash), []byte(password)) == nil {
		return true
	}
	return ml.ModeratorPasswordHash != "" &&
		bcrypt.CompareHashAndPassword([]byte(ml.ModeratorPasswordHash), []byte(password)) == nil
}

// BumpAutoReply increments the sender's auto-response counter for today
// and reports whether another auto-response is allowed under max.
// Counters from previous days are reset as a side effect.
func (ml *MailList) BumpAutoReply(sender string, max int) bool {
	key := CanonicalKey(sender)
	today := time.Now().Format("2006-01-02")
	if ml.AutoReplies == nil {
		ml.AutoReplies = make(map[string]*ReplyCount)
	}
	rc, ok := ml.AutoReplies[key]
	if !ok || rc.Day != today {
		rc = &ReplyCount{Day: today}
		ml.AutoReplies[key] = rc
	}
	if rc.Count >= max {
		return false
	}
	rc.Count++
	return true
}

// EvictStaleAutoReplies drops counters from days before today.
func (ml *MailList) EvictStaleAutoReplies() int {
	today := time.Now().Format("2006-01-02")
	evicted := 0
	for key, rc := range ml.AutoReplies {
		if rc.Day != today {
			delete(ml.AutoReplies, key)
			evicted++
		}
	}
	return evicted
}
