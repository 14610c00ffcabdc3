package proto

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Messages spoken on QUIC relay streams. A client opens one stream per
// request; the relay answers on the same stream.
const (
	MsgTypeEvent  = "event"
	MsgTypeOK     = "ok"
	MsgTypeReq    = "req"
	MsgTypeEOSE   = "eose"
	MsgTypeClose  = "close"
	MsgTypeNotice = "notice"

	MaxEventMsgSize = 512 << 10
	MaxReqMsgSize   = 16 << 10
)

type RelayMsg struct {
	Type    string        `json:"type"`
	SubID   string        `json:"sub_id,omitempty"`
	Event   *nostr.Event  `json:"event,omitempty"`
	Filters nostr.Filters `json:"filters,omitempty"`
	// Live keeps a req stream open after eose.
	Live   bool   `json:"live,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func EncodeRelayMsg(m RelayMsg) ([]byte, error) {
	switch m.Type {
	case MsgTypeEvent:
		if m.Event == nil {
			return nil, fmt.Errorf("event msg without event")
		}
	case MsgTypeReq:
		if m.SubID == "" {
			return nil, fmt.Errorf("req msg without sub_id")
		}
	case MsgTypeOK, MsgTypeEOSE, MsgTypeClose, MsgTypeNotice:
	default:
		return nil, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return json.Marshal(m)
}

func DecodeRelayMsg(data []byte) (RelayMsg, error) {
	var m RelayMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return RelayMsg{}, err
	}
	switch m.Type {
	case MsgTypeEvent:
		if m.Event == nil {
			return RelayMsg{}, fmt.Errorf("%w: event msg without event", ErrMalformed)
		}
	case MsgTypeReq:
		if m.SubID == "" {
			return RelayMsg{}, fmt.Errorf("%w: req msg without sub_id", ErrMalformed)
		}
	case MsgTypeOK, MsgTypeEOSE, MsgTypeClose, MsgTypeNotice:
	default:
		return RelayMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

// MaxSizeForType caps oversized frames by their sniffed type.
func MaxSizeForType(t string) int {
	switch t {
	case MsgTypeEvent:
		return MaxEventMsgSize
	case MsgTypeReq:
		return MaxReqMsgSize
	default:
		return SoftMaxFrameSize
	}
}
