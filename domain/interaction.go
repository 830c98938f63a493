package domain

import "time"

type InteractionType string

const (
	InteractionLike  InteractionType = "like"
	InteractionBoost InteractionType = "boost"
	InteractionVote  InteractionType = "vote"
	InteractionPin   InteractionType = "pin"
)

// PostInteraction is a like, boost, vote or pin on a post. Only one active
// interaction may exist per (identity, post, type).
type PostInteraction struct {
	Id int64
	Workflow

	Type       InteractionType
	IdentityId int64
	PostId     int64
	Value      string // vote option, empty otherwise
	ObjectURI  string // unique

	Published time.Time
}

// PostInteraction state graph node names.
const (
	InteractionNew            = "new"
	InteractionFannedOut      = "fanned_out"
	InteractionUndone         = "undone"
	InteractionUndoneFannedOut = "undone_fanned_out"
)

// ActiveStates are the states in which an interaction counts towards the
// one-per-(identity, post, type) invariant.
var InteractionActiveStates = []string{InteractionNew, InteractionFannedOut}
