package proto

import (
	"slices"

	"github.com/nbd-wtf/go-nostr"
)

// TagValue returns the first value of the first tag named key.
func TagValue(tags nostr.Tags, key string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// TagValues returns every value of tags named key, in order, deduplicated.
func TagValues(tags nostr.Tags, key string) []string {
	var out []string
	for _, t := range tags {
		if len(t) >= 2 && t[0] == key && t[1] != "" && !slices.Contains(out, t[1]) {
			out = append(out, t[1])
		}
	}
	return out
}

func Pubkeys(tags nostr.Tags) []string {
	return TagValues(tags, "p")
}

// Relays reads both "relay" and "r" tags.
func Relays(tags nostr.Tags) []string {
	out := TagValues(tags, "relay")
	for _, r := range TagValues(tags, "r") {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

func Mention(pubkey string) nostr.Tag {
	return nostr.Tag{"p", pubkey}
}

func RelayTags(relays []string) nostr.Tags {
	out := make(nostr.Tags, 0, len(relays))
	for _, r := range relays {
		out = append(out, nostr.Tag{"relay", r})
	}
	return out
}

func AddressTag(a Address) nostr.Tag {
	return nostr.Tag{"a", string(a)}
}
