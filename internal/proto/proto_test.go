package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

var adminPK = strings.Repeat("ab", 32)

func fakeDerive(sk string) (string, error) {
	if sk == "bad" {
		return "", errors.New("bad key")
	}
	return "pub-" + sk, nil
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"event","event":{}}`)
	frame, err := EncodeFrame(payload)
	require.NoError(t, err)
	got, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	require.Equal(t, payload, got)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))
	require.Equal(t, frame, buf.Bytes())
}

func TestFrameTypeCap(t *testing.T) {
	big := `{"type":"notice","reason":"` + strings.Repeat("x", SoftMaxFrameSize+10) + `"}`
	frame, err := EncodeFrame([]byte(big))
	require.NoError(t, err)
	_, err = ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, MaxSizeForType)
	require.Error(t, err)

	big = `{"type":"event","event":{"content":"` + strings.Repeat("x", SoftMaxFrameSize+10) + `"}}`
	frame, err = EncodeFrame([]byte(big))
	require.NoError(t, err)
	got, err := ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, MaxSizeForType)
	require.NoError(t, err)
	require.Len(t, got, len(big))
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	_, err := EncodeFrame(nil)
	require.Error(t, err)
}

func TestAddress(t *testing.T) {
	a := NewAddress(adminPK, "cafe")
	require.Equal(t, "10024:"+adminPK+":cafe", a.String())
	require.Equal(t, adminPK, a.Pubkey())
	require.Equal(t, "cafe", a.Identifier())

	parsed, err := ParseAddress(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)

	for _, bad := range []string{"", "10024:x", "1:" + adminPK + ":id", "10024:zz:id", "10024:" + adminPK + ":"} {
		_, err := ParseAddress(bad)
		require.ErrorIs(t, err, ErrMalformed, bad)
	}

	id, err := NewIdentifier()
	require.NoError(t, err)
	require.Len(t, id, 32)
}

func TestDisplayName(t *testing.T) {
	a := NewAddress(adminPK, "0123456789abcdef")
	require.Equal(t, "89abcdef", DisplayName(a, ""))
	require.Equal(t, "Cooks", DisplayName(a, "Cooks"))
	long := strings.Repeat("ü", 70)
	require.Equal(t, strings.Repeat("ü", 60)+"...", DisplayName(a, long))
	require.Equal(t, "01234567:cdef", ShortKey("0123456789abcdef"))
	require.Equal(t, "abc", ShortKey("abc"))
}

func TestTagHelpers(t *testing.T) {
	tags := nostr.Tags{
		{"p", "a"}, {"p", "b"}, {"p", "a"},
		{"relay", "wss://one"}, {"r", "wss://two"}, {"r", "wss://one"},
		{"e"},
	}
	require.Equal(t, []string{"a", "b"}, Pubkeys(tags))
	require.Equal(t, []string{"wss://one", "wss://two"}, Relays(tags))
	require.Equal(t, "a", TagValue(tags, "p"))
	require.Equal(t, "", TagValue(tags, "e"))
}

func TestDecodeGroupMeta(t *testing.T) {
	ev := &nostr.Event{
		ID: "id1", PubKey: adminPK, CreatedAt: 100, Kind: KindGroupMetadata,
		Tags:    nostr.Tags{{"d", "cafe"}, {"relay", "wss://r"}},
		Content: `{"name":"Cooks","about":"food"}`,
	}
	m, err := Decode(ev, fakeDerive)
	require.NoError(t, err)
	meta, ok := m.(GroupMeta)
	require.True(t, ok)
	require.Equal(t, NewAddress(adminPK, "cafe"), meta.Address)
	require.Equal(t, "Cooks", meta.Meta.Name)
	require.Equal(t, AccessClosed, meta.Meta.Access)
	require.Equal(t, []string{"wss://r"}, meta.Relays)
	require.Equal(t, int64(100), meta.Head().CreatedAt)

	ev.Content = "{not json"
	_, err = Decode(ev, fakeDerive)
	require.ErrorIs(t, err, ErrMalformed)

	ev.Content = `{"access":"open"}`
	ev.Tags = nostr.Tags{}
	_, err = Decode(ev, fakeDerive)
	require.ErrorIs(t, err, ErrMissingTag)
}

func TestDecodeKeyRotation(t *testing.T) {
	addr := NewAddress(adminPK, "cafe")
	ev := &nostr.Event{
		ID: "id2", PubKey: adminPK, CreatedAt: 200, Kind: KindKeyRotation,
		Tags: nostr.Tags{{"a", addr.String()}, {"privkey", "sk1"}, {"grace_period", "60"}, {"p", "m1"}, {"p", "m2"}},
	}
	m, err := Decode(ev, fakeDerive)
	require.NoError(t, err)
	rot := m.(KeyRotation)
	require.Equal(t, addr, rot.Address)
	require.Equal(t, "pub-sk1", rot.PubKey)
	require.Equal(t, int64(60), rot.GracePeriod)
	require.Equal(t, []string{"m1", "m2"}, rot.Members)

	ev.Tags = nostr.Tags{{"a", addr.String()}, {"privkey", "bad"}}
	_, err = Decode(ev, fakeDerive)
	require.ErrorIs(t, err, ErrMalformed)

	ev.Tags = nostr.Tags{{"a", addr.String()}, {"grace_period", "-1"}}
	_, err = Decode(ev, fakeDerive)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRequestsAndWrap(t *testing.T) {
	leave := &nostr.Event{PubKey: "me", Kind: KindLeaveRequest, Tags: nostr.Tags{{"p", "me"}}}
	m, err := Decode(leave, fakeDerive)
	require.NoError(t, err)
	require.True(t, m.(LeaveRequest).SelfLeave())

	join := &nostr.Event{PubKey: "me", Kind: KindJoinRequest, Tags: nostr.Tags{{"p", "me"}}}
	m, err = Decode(join, fakeDerive)
	require.NoError(t, err)
	require.IsType(t, JoinRequest{}, m)

	wrap := &nostr.Event{Kind: KindGiftWrap}
	_, err = Decode(wrap, fakeDerive)
	require.ErrorIs(t, err, ErrMissingTag)

	del := &nostr.Event{Kind: KindDeletion}
	_, err = Decode(del, fakeDerive)
	require.ErrorIs(t, err, ErrMissingTag)
}

func TestDecodeContentPicksGroupAddress(t *testing.T) {
	addr := NewAddress(adminPK, "cafe")
	ev := &nostr.Event{Kind: 1, Tags: nostr.Tags{{"a", "30023:x:y"}, {"a", addr.String()}}}
	m, err := Decode(ev, fakeDerive)
	require.NoError(t, err)
	c := m.(Content)
	require.Equal(t, 1, c.Kind())
	require.Equal(t, addr, c.Address)
}

func TestMetadataEncodeDefaultsClosed(t *testing.T) {
	s, err := EncodeMetadata(Metadata{Name: "x"})
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &raw))
	require.Equal(t, "closed", raw["access"])

	_, err = ParseMetadata(`{"access":"secret"}`)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestRelayMsgTypeChecked(t *testing.T) {
	_, err := EncodeRelayMsg(RelayMsg{Type: MsgTypeEvent})
	require.Error(t, err)
	b, err := EncodeRelayMsg(RelayMsg{Type: MsgTypeReq, SubID: "s1", Filters: nostr.Filters{{Kinds: []int{KindGiftWrap}}}})
	require.NoError(t, err)
	m, err := DecodeRelayMsg(b)
	require.NoError(t, err)
	require.Equal(t, "s1", m.SubID)
	require.Equal(t, []int{KindGiftWrap}, m.Filters[0].Kinds)

	_, err = DecodeRelayMsg([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
}

func capBytes(b []byte, max int) []byte {
	if len(b) > max {
		return b[:max]
	}
	return b
}

func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 't', '"', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = capBytes(data, 1<<16)
		_, _ = ReadFrameWithTypeCap(bytes.NewReader(data), SoftMaxFrameSize, MaxSizeForType)
	})
}

func FuzzDecodeEvent(f *testing.F) {
	f.Add(`{"kind":10024,"pubkey":"` + adminPK + `","tags":[["d","x"]],"content":"{}"}`)
	f.Add(`{"kind":24,"tags":[["privkey","bad"],["a","10024:x:y"]]}`)
	f.Fuzz(func(t *testing.T, data string) {
		var ev nostr.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return
		}
		_, _ = Decode(&ev, fakeDerive)
	})
}
