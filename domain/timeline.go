package domain

import "time"

type TimelineEventType string

const (
	EventPost            TimelineEventType = "post"
	EventBoost           TimelineEventType = "boost"
	EventMentioned       TimelineEventType = "mentioned"
	EventLiked           TimelineEventType = "liked"
	EventFollowed        TimelineEventType = "followed"
	EventIdentityCreated TimelineEventType = "identity_created"
	EventBoosted         TimelineEventType = "boosted"
	EventAnnouncement    TimelineEventType = "announcement"
)

// TimelineEvent is one row in an identity's home or notifications view.
// Pure derived data, idempotent on its natural key
// (identity, type, subjects).
type TimelineEvent struct {
	Id         int64
	IdentityId int64
	Type       TimelineEventType

	SubjectPostId        *int64
	SubjectInteractionId *int64
	SubjectIdentityId    *int64

	Published time.Time
}

// Report is a moderation flag raised against an identity and optionally a
// post, locally or via an inbound Flag activity.
type Report struct {
	Id int64

	SourceId      *int64 // nil when the reporter is a remote server
	SourceDomain  string
	SubjectId     int64
	SubjectPostId *int64
	Complaint     string
	Forward       bool
	Resolved      *time.Time

	CreatedAt time.Time
}
