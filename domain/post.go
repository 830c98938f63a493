package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityUnlisted  Visibility = "unlisted"
	VisibilityFollowers Visibility = "followers"
	VisibilityMentioned Visibility = "mentioned"
	VisibilityLocalOnly Visibility = "local_only"
)

type PostType string

const (
	PostTypeNote     PostType = "note"
	PostTypeQuestion PostType = "question"
	PostTypeArticle  PostType = "article"
)

// QuestionData is the type_data payload for poll posts.
type QuestionData struct {
	Mode    string           `json:"mode"` // "oneOf" or "anyOf"
	Options []QuestionOption `json:"options"`
	EndTime *time.Time       `json:"end_time,omitempty"`
	Voters  int              `json:"voter_count"`
}

type QuestionOption struct {
	Name  string `json:"name"`
	Votes int    `json:"votes"`
}

// Post is content authored by an identity.
type Post struct {
	Id int64
	Workflow

	AuthorId  int64
	Local     bool
	ObjectURI string // unique canonical AP id

	Visibility Visibility
	Content    string // sanitised HTML
	Summary    string // content warning
	Sensitive  bool
	URL        string

	// InReplyTo is an AP URI, never a foreign key: the referenced post may
	// not exist locally.
	InReplyTo string

	ToIds      []int64 // addressed identities
	MentionIds []int64

	Type     PostType
	TypeData string // JSON, shape depends on Type

	Published time.Time
	Edited    *time.Time

	ReplyCount int
	LikeCount  int
	BoostCount int
}

// Post state graph node names.
const (
	PostNew              = "new"
	PostFannedOut        = "fanned_out"
	PostEdited           = "edited"
	PostEditedFannedOut  = "edited_fanned_out"
	PostDeleted          = "deleted"
	PostDeletedFannedOut = "deleted_fanned_out"
)

// Question decodes the poll payload; nil when the post is not a question.
func (p *Post) Question() (*QuestionData, error) {
	if p.Type != PostTypeQuestion || p.TypeData == "" {
		return nil, nil
	}
	var q QuestionData
	if err := json.Unmarshal([]byte(p.TypeData), &q); err != nil {
		return nil, fmt.Errorf("decode question data for post %d: %w", p.Id, err)
	}
	return &q, nil
}

func (p *Post) ToString() string {
	return fmt.Sprintf("\n\tId: %d \n\tAuthor: %d \n\tObjectURI: %s \n\tState: %s", p.Id, p.AuthorId, p.ObjectURI, p.State)
}

// PostAttachment is a media reference on a post, with its own fetch cycle.
type PostAttachment struct {
	Id int64
	Workflow

	PostId    int64
	MimeType  string
	RemoteURL string
	LocalPath string
	Name      string // alt text
	Width     int
	Height    int
	Blurhash  string
}

const (
	AttachmentNew     = "new"
	AttachmentFetched = "fetched"
)
