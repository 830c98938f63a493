package domain

import (
	"fmt"
	"strings"
	"time"
)

type Restriction int

const (
	RestrictionNone Restriction = iota
	RestrictionLimited
	RestrictionBlocked
)

// MetadataPair is one name/value link on an identity's profile.
type MetadataPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Identity is an actor, local or remote. Local identities carry a private
// key; remote ones never do.
type Identity struct {
	Id int64
	Workflow

	ActorURI string
	Username string
	DomainId string // references Domain.Domain
	Local    bool

	DisplayName string
	Summary     string // sanitised HTML
	IconURI     string
	ImageURI    string

	InboxURI              string
	SharedInboxURI        string
	OutboxURI             string
	FollowersURI          string
	FollowingURI          string
	FeaturedCollectionURI string

	PublicKeyPem  string
	PrivateKeyPem string // local only
	PublicKeyId   string

	Restriction              Restriction
	Discoverable             bool
	ManuallyApprovesFollowers bool

	PinnedURIs []string
	Metadata   []MetadataPair

	Fetched *time.Time
	Deleted *time.Time
}

// Identity state graph node names.
const (
	IdentityOutdated = "outdated"
	IdentityUpdated  = "updated"
	IdentityEdited   = "edited"
	IdentityDeleted  = "deleted"
	IdentityTombstoned = "tombstoned"
)

// Handle returns user@domain.
func (i *Identity) Handle() string {
	return fmt.Sprintf("%s@%s", i.Username, i.DomainId)
}

// Blocked reports whether the identity itself is restricted from federating
// with us.
func (i *Identity) Blocked() bool {
	return i.Restriction == RestrictionBlocked
}

func (i *Identity) ToString() string {
	return fmt.Sprintf("\n\tId: %d \n\tHandle: %s \n\tActorURI: %s", i.Id, i.Handle(), i.ActorURI)
}

// Domain is a federation peer (or ourselves). service_domain is the host
// actually serving ActivityPub when it differs from the display domain.
type Domain struct {
	Domain        string
	ServiceDomain string
	Local         bool
	Blocked       bool
	Public        bool
	Nodeinfo      string // raw JSON blob
	CreatedAt     time.Time
}

// RecursivelyBlockedBy reports whether hostname or any parent suffix of it
// appears in blockedDomains.
func RecursivelyBlockedBy(hostname string, blockedDomains map[string]bool) bool {
	parts := strings.Split(strings.ToLower(hostname), ".")
	for i := range parts {
		if blockedDomains[strings.Join(parts[i:], ".")] {
			return true
		}
	}
	return false
}
