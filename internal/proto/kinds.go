package proto

import "errors"

// Event kinds used by group state. The numbers are part of the wire
// contract and must not change.
const (
	KindDeletion        = 5
	KindSeal            = 13
	KindKeyRotation     = 24
	KindJoinRequest     = 25
	KindLeaveRequest    = 26
	KindMembersAdded    = 27
	KindMembersRemoved  = 28
	KindGiftWrap        = 1059
	KindGroupMetadata   = 10024
	KindGroupModerators = 10025
)

var (
	ErrMalformed  = errors.New("malformed event")
	ErrMissingTag = errors.New("missing required tag")
)

func KindName(kind int) string {
	switch kind {
	case KindDeletion:
		return "deletion"
	case KindSeal:
		return "seal"
	case KindKeyRotation:
		return "key-rotation"
	case KindJoinRequest:
		return "join-request"
	case KindLeaveRequest:
		return "leave-request"
	case KindMembersAdded:
		return "members-added"
	case KindMembersRemoved:
		return "members-removed"
	case KindGiftWrap:
		return "gift-wrap"
	case KindGroupMetadata:
		return "group-metadata"
	case KindGroupModerators:
		return "group-moderators"
	default:
		return "content"
	}
}
