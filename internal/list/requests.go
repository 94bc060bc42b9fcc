package list

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ErrNoSuchRequest is returned when a request id or cookie does not
// resolve.
var ErrNoSuchRequest = fmt.Errorf("no such pending request")

// Pend records a new pending request and returns it. The id is
// monotonically assigned per list and never reused; the cookie is a
// fresh opaque token registered in the cookie index.
func (ml *MailList) Pend(kind RequestKind, sender, address, subject, reason string, ttl time.Duration, data map[string]string) (*PendingRequest, error) {
	if ml.store == nil {
		return nil, fmt.Errorf("list %s is detached", ml.Name)
	}
	rec, cookies, err := ml.store.readRequests(ml.Name)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	req := &PendingRequest{
		ID:      rec.NextID,
		Kind:    kind,
		Cookie:  uuid.NewString(),
		Created: now,
		Sender:  CanonicalKey(sender),
		Address: CanonicalKey(address),
		Subject: subject,
		Reason:  reason,
		Data:    data,
	}
	if ttl > 0 {
		req.Expires = now.Add(ttl)
	}
	rec.NextID++
	rec.Requests = append(rec.Requests, req)
	cookies[req.Cookie] = req.ID

	if err := ml.store.writeRequests(ml.Name, rec, cookies); err != nil {
		return nil, err
	}
	return req, nil
}

// RequestByID returns a pending request by id.
func (ml *MailList) RequestByID(id int) (*PendingRequest, error) {
	rec, _, err := ml.store.readRequests(ml.Name)
	if err != nil {
		return nil, err
	}
	for _, req := range rec.Requests {
		if req.ID == id {
			return req, nil
		}
	}
	return nil, ErrNoSuchRequest
}

// RequestByCookie resolves a confirmation cookie to its request.
func (ml *MailList) RequestByCookie(cookie string) (*PendingRequest, error) {
	rec, cookies, err := ml.store.readRequests(ml.Name)
	if err != nil {
		return nil, err
	}
	id, ok := cookies[cookie]
	if !ok {
		return nil, ErrNoSuchRequest
	}
	for _, req := range rec.Requests {
		if req.ID == id {
			return req, nil
		}
	}
	return nil, ErrNoSuchRequest
}

// RequestsOfKind returns all pending requests of one kind, in id order.
func (ml *MailList) RequestsOfKind(kind RequestKind) ([]*PendingRequest, error) {
	rec, _, err := ml.store.readRequests(ml.Name)
	if err != nil {
		return nil, err
	}
	var out []*PendingRequest
	for _, req := range rec.Requests {
		if req.Kind == kind {
			out = append(out, req)
		}
	}
	return out, nil
}

// AllRequests returns every pending request, in id order.
func (ml *MailList) AllRequests() ([]*PendingRequest, error) {
	rec, _, err := ml.store.readRequests(ml.Name)
	if err != nil {
		return nil, err
	}
	return rec.Requests, nil
}

// DropRequest removes a request and its cookie. For held messages the
// artifact is removed too.
func (ml *MailList) DropRequest(id int) error {
	rec, cookies, err := ml.store.readRequests(ml.Name)
	if err != nil {
		return err
	}
	idx := -1
	for i, req := range rec.Requests {
		if req.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNoSuchRequest
	}
	req := rec.Requests[idx]
	rec.Requests = append(rec.Requests[:idx], rec.Requests[idx+1:]...)
	delete(cookies, req.Cookie)
	if err := ml.store.writeRequests(ml.Name, rec, cookies); err != nil {
		return err
	}
	if req.Kind == ReqHeldMessage {
		return ml.store.RemoveHeld(ml.Name, id)
	}
	return nil
}

// HoldMessage pends a held-message request and writes the message
// artifact beside it. It returns the new request.
func (ml *MailList) HoldMessage(msg []byte, meta map[string]any, sender, subject, reason string) (*PendingRequest, error) {
	ttl := time.Duration(ml.MaxDaysToHold) * 24 * time.Hour
	req, err := ml.Pend(ReqHeldMessage, sender, sender, subject, reason, ttl, nil)
	if err != nil {
		return nil, err
	}
	if err := ml.store.WriteHeld(ml.Name, req.ID, msg, meta); err != nil {
		ml.DropRequest(req.ID)
		return nil, err
	}
	return req, nil
}

// HeldPayload loads the message artifact for a held-message request.
func (ml *MailList) HeldPayload(id int) ([]byte, map[string]any, error) {
	msg, meta, err := ml.store.ReadHeld(ml.Name, id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNoSuchRequest
		}
		return nil, nil, err
	}
	return msg, meta, nil
}

// ExpiredRequests returns requests whose hold window has closed as of
// now. A request held exactly its full window is included: day N of an
// N-day window is the last day it survives.
func (ml *MailList) ExpiredRequests(now time.Time) ([]*PendingRequest, error) {
	rec, _, err := ml.store.readRequests(ml.Name)
	if err != nil {
		return nil, err
	}
	var out []*PendingRequest
	for _, req := range rec.Requests {
		if !req.Expires.IsZero() && !now.Before(req.Expires) {
			out = append(out, req)
		}
	}
	return out, nil
}
