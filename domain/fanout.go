package domain

import "time"

type FanOutType string

const (
	FanOutPost            FanOutType = "post"
	FanOutPostEdited      FanOutType = "post_edited"
	FanOutPostDeleted     FanOutType = "post_deleted"
	FanOutInteraction     FanOutType = "interaction"
	FanOutUndoInteraction FanOutType = "undo_interaction"
	FanOutIdentityEdited  FanOutType = "identity_edited"
	FanOutIdentityDeleted FanOutType = "identity_deleted"
	FanOutIdentityCreated FanOutType = "identity_created"
	FanOutIdentityMoved   FanOutType = "identity_moved"
)

// FanOut is one pending delivery unit: the thing to deliver plus the
// identity to deliver it to.
type FanOut struct {
	Id int64
	Workflow

	IdentityId int64 // the recipient
	Type       FanOutType

	SubjectPostId        *int64
	SubjectInteractionId *int64
	SubjectIdentityId    *int64

	CreatedAt time.Time
}

// FanOut state graph node names.
const (
	FanOutNew     = "new"
	FanOutSent    = "sent"
	FanOutSkipped = "skipped"
	FanOutFailed  = "failed"
)

// InboxMessage is a raw JSON-LD document received (or synthesised
// internally) awaiting dispatch.
type InboxMessage struct {
	Id int64
	Workflow

	Message string // full canonicalised JSON body

	CreatedAt time.Time
}

// InboxMessage state graph node names.
const (
	InboxReceived  = "received"
	InboxProcessed = "processed"
	InboxErrored   = "errored"
)
