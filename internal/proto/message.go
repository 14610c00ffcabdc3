package proto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

type Access string

const (
	AccessOpen   Access = "open"
	AccessClosed Access = "closed"
)

// Metadata is the JSON content of a group-metadata event.
type Metadata struct {
	Name    string `json:"name,omitempty"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
	Banner  string `json:"banner,omitempty"`
	Access  Access `json:"access,omitempty"`
}

// Header is what every decoded message keeps from its event.
type Header struct {
	ID        string
	Author    string
	CreatedAt int64
}

// Message is a decoded event. Exactly one concrete type exists per kind;
// anything unknown decodes to Content.
type Message interface {
	Kind() int
	Head() Header
}

type GroupMeta struct {
	Header
	Address Address
	Meta    Metadata
	Relays  []string
}

type GroupModerators struct {
	Header
	Address    Address
	Moderators []string
}

type KeyRotation struct {
	Header
	Address     Address
	PrivKey     string
	PubKey      string
	Members     []string
	Relays      []string
	GracePeriod int64
}

type JoinRequest struct {
	Header
	Address Address
	Targets []string
}

type LeaveRequest struct {
	Header
	Address Address
	Targets []string
}

// SelfLeave reports whether the requester names itself.
func (m LeaveRequest) SelfLeave() bool {
	for _, p := range m.Targets {
		if p == m.Author {
			return true
		}
	}
	return false
}

type MembersAdded struct {
	Header
	Pubkeys []string
}

type MembersRemoved struct {
	Header
	Pubkeys []string
}

type GiftWrap struct {
	Header
	Recipient string
}

type Deletion struct {
	Header
	EventIDs  []string
	Addresses []Address
}

type Content struct {
	Header
	EventKind int
	Address   Address
}

func (GroupMeta) Kind() int       { return KindGroupMetadata }
func (GroupModerators) Kind() int { return KindGroupModerators }
func (KeyRotation) Kind() int     { return KindKeyRotation }
func (JoinRequest) Kind() int     { return KindJoinRequest }
func (LeaveRequest) Kind() int    { return KindLeaveRequest }
func (MembersAdded) Kind() int    { return KindMembersAdded }
func (MembersRemoved) Kind() int  { return KindMembersRemoved }
func (GiftWrap) Kind() int        { return KindGiftWrap }
func (Deletion) Kind() int        { return KindDeletion }
func (c Content) Kind() int       { return c.EventKind }

func (h Header) Head() Header { return h }

// PubkeyFunc derives a public key from a private key. Decode takes it as a
// parameter so proto does not depend on the crypto package.
type PubkeyFunc func(sk string) (string, error)

// Decode turns a raw event into its typed message. Validation failures
// wrap ErrMalformed or ErrMissingTag.
func Decode(ev *nostr.Event, derive PubkeyFunc) (Message, error) {
	if ev == nil {
		return nil, ErrMalformed
	}
	h := Header{ID: ev.ID, Author: ev.PubKey, CreatedAt: int64(ev.CreatedAt)}
	switch ev.Kind {
	case KindGroupMetadata:
		d := TagValue(ev.Tags, "d")
		if d == "" {
			return nil, fmt.Errorf("%w: d on kind %d", ErrMissingTag, ev.Kind)
		}
		meta, err := ParseMetadata(ev.Content)
		if err != nil {
			return nil, err
		}
		return GroupMeta{
			Header:  h,
			Address: NewAddress(ev.PubKey, d),
			Meta:    meta,
			Relays:  Relays(ev.Tags),
		}, nil
	case KindGroupModerators:
		d := TagValue(ev.Tags, "d")
		if d == "" {
			return nil, fmt.Errorf("%w: d on kind %d", ErrMissingTag, ev.Kind)
		}
		return GroupModerators{Header: h, Address: NewAddress(ev.PubKey, d), Moderators: Pubkeys(ev.Tags)}, nil
	case KindKeyRotation:
		m := KeyRotation{
			Header:  h,
			Members: Pubkeys(ev.Tags),
			Relays:  Relays(ev.Tags),
			PrivKey: TagValue(ev.Tags, "privkey"),
		}
		if a := TagValue(ev.Tags, "a"); a != "" {
			addr, err := ParseAddress(a)
			if err != nil {
				return nil, err
			}
			m.Address = addr
		}
		if g := TagValue(ev.Tags, "grace_period"); g != "" {
			n, err := strconv.ParseInt(g, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: grace_period %q", ErrMalformed, g)
			}
			m.GracePeriod = n
		}
		if m.PrivKey != "" {
			if derive == nil {
				return nil, fmt.Errorf("%w: no key derivation", ErrMalformed)
			}
			pk, err := derive(m.PrivKey)
			if err != nil {
				return nil, fmt.Errorf("%w: privkey: %v", ErrMalformed, err)
			}
			m.PubKey = pk
		}
		return m, nil
	case KindJoinRequest, KindLeaveRequest:
		var addr Address
		if a := TagValue(ev.Tags, "a"); a != "" {
			parsed, err := ParseAddress(a)
			if err != nil {
				return nil, err
			}
			addr = parsed
		}
		if ev.Kind == KindJoinRequest {
			return JoinRequest{Header: h, Address: addr, Targets: Pubkeys(ev.Tags)}, nil
		}
		return LeaveRequest{Header: h, Address: addr, Targets: Pubkeys(ev.Tags)}, nil
	case KindMembersAdded:
		return MembersAdded{Header: h, Pubkeys: Pubkeys(ev.Tags)}, nil
	case KindMembersRemoved:
		return MembersRemoved{Header: h, Pubkeys: Pubkeys(ev.Tags)}, nil
	case KindGiftWrap:
		p := TagValue(ev.Tags, "p")
		if p == "" {
			return nil, fmt.Errorf("%w: p on gift wrap", ErrMissingTag)
		}
		return GiftWrap{Header: h, Recipient: p}, nil
	case KindDeletion:
		m := Deletion{Header: h, EventIDs: TagValues(ev.Tags, "e")}
		for _, a := range TagValues(ev.Tags, "a") {
			if addr, err := ParseAddress(a); err == nil {
				m.Addresses = append(m.Addresses, addr)
			}
		}
		if len(m.EventIDs) == 0 && len(m.Addresses) == 0 {
			return nil, fmt.Errorf("%w: e or a on deletion", ErrMissingTag)
		}
		return m, nil
	default:
		c := Content{Header: h, EventKind: ev.Kind}
		for _, a := range TagValues(ev.Tags, "a") {
			if strings.HasPrefix(a, strconv.Itoa(KindGroupMetadata)+":") {
				if addr, err := ParseAddress(a); err == nil {
					c.Address = addr
					break
				}
			}
		}
		return c, nil
	}
}

// ParseMetadata decodes group-metadata content. A missing access field
// means closed.
func ParseMetadata(content string) (Metadata, error) {
	var m Metadata
	if strings.TrimSpace(content) == "" {
		m.Access = AccessClosed
		return m, nil
	}
	if err := json.Unmarshal([]byte(content), &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata: %v", ErrMalformed, err)
	}
	switch m.Access {
	case "":
		m.Access = AccessClosed
	case AccessOpen, AccessClosed:
	default:
		return Metadata{}, fmt.Errorf("%w: access %q", ErrMalformed, m.Access)
	}
	return m, nil
}

func EncodeMetadata(m Metadata) (string, error) {
	if m.Access == "" {
		m.Access = AccessClosed
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
