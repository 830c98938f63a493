package domain

import "time"

// Follow is a directed relation from source to target identity. At most one
// Follow exists per (source, target).
type Follow struct {
	Id int64
	Workflow

	SourceId int64
	TargetId int64
	URI      string
	Boosts   bool // deliver boost activities from target

	CreatedAt time.Time
}

// Follow state graph node names.
const (
	FollowUnrequested     = "unrequested"
	FollowLocalRequested  = "local_requested"
	FollowRemoteRequested = "remote_requested"
	FollowAccepted        = "accepted"
	FollowRejected        = "rejected"
	FollowUndone          = "undone"
	FollowUndoneRemotely  = "undone_remotely"
)

// Active reports whether the follow currently delivers posts.
func (f *Follow) Active() bool {
	return f.State == FollowAccepted
}

// Block is a source→target edge; mute=true never produces outbound AP
// traffic, a full block does. Unique on (source, target, mute).
type Block struct {
	Id int64
	Workflow

	SourceId             int64
	TargetId             int64
	URI                  string
	Mute                 bool
	IncludeNotifications bool
	Expires              *time.Time

	CreatedAt time.Time
}

// Block state graph node names.
const (
	BlockNew        = "new"
	BlockSent       = "sent"
	BlockUndone     = "undone"
	BlockUndoneSent = "undone_sent"
)

// Active reports whether the block is in force right now.
func (b *Block) Active() bool {
	if b.State != BlockNew && b.State != BlockSent {
		return false
	}
	if b.Expires != nil && b.Expires.Before(time.Now()) {
		return false
	}
	return true
}
