package activitypub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/piprate/json-gold/ld"
)

// The ActivityStreams and security contexts ship embedded so inbound
// processing never fetches a context document over the network. Unknown
// context URLs fall back to the ActivityStreams document: a remote server
// inventing a vocabulary must not make its activities unparseable.
const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
)

const activityStreamsContext = `{
  "@context": {
    "@vocab": "https://www.w3.org/ns/activitystreams#",
    "xsd": "http://www.w3.org/2001/XMLSchema#",
    "as": "https://www.w3.org/ns/activitystreams#",
    "ldp": "http://www.w3.org/ns/ldp#",
    "toot": "http://joinmastodon.org/ns#",
    "schema": "http://schema.org#",
    "id": "@id",
    "type": "@type",
    "Accept": "as:Accept",
    "Add": "as:Add",
    "Announce": "as:Announce",
    "Application": "as:Application",
    "Article": "as:Article",
    "Block": "as:Block",
    "Collection": "as:Collection",
    "CollectionPage": "as:CollectionPage",
    "Create": "as:Create",
    "Delete": "as:Delete",
    "Dislike": "as:Dislike",
    "Document": "as:Document",
    "EmojiReact": "as:EmojiReact",
    "Flag": "as:Flag",
    "Follow": "as:Follow",
    "Group": "as:Group",
    "Image": "as:Image",
    "Like": "as:Like",
    "Mention": "as:Mention",
    "Move": "as:Move",
    "Note": "as:Note",
    "Organization": "as:Organization",
    "OrderedCollection": "as:OrderedCollection",
    "OrderedCollectionPage": "as:OrderedCollectionPage",
    "Person": "as:Person",
    "Question": "as:Question",
    "Reject": "as:Reject",
    "Remove": "as:Remove",
    "Service": "as:Service",
    "Tombstone": "as:Tombstone",
    "Undo": "as:Undo",
    "Update": "as:Update",
    "Emoji": "toot:Emoji",
    "Hashtag": "as:Hashtag",
    "PropertyValue": "schema:PropertyValue",
    "value": "schema:value",
    "actor": {"@id": "as:actor", "@type": "@id"},
    "object": {"@id": "as:object", "@type": "@id"},
    "target": {"@id": "as:target", "@type": "@id"},
    "to": {"@id": "as:to", "@type": "@id"},
    "cc": {"@id": "as:cc", "@type": "@id"},
    "bto": {"@id": "as:bto", "@type": "@id"},
    "bcc": {"@id": "as:bcc", "@type": "@id"},
    "inReplyTo": {"@id": "as:inReplyTo", "@type": "@id"},
    "attributedTo": {"@id": "as:attributedTo", "@type": "@id"},
    "url": {"@id": "as:url", "@type": "@id"},
    "href": {"@id": "as:href", "@type": "@id"},
    "inbox": {"@id": "ldp:inbox", "@type": "@id"},
    "outbox": {"@id": "as:outbox", "@type": "@id"},
    "followers": {"@id": "as:followers", "@type": "@id"},
    "following": {"@id": "as:following", "@type": "@id"},
    "sharedInbox": {"@id": "as:sharedInbox", "@type": "@id"},
    "endpoints": {"@id": "as:endpoints", "@type": "@id"},
    "featured": {"@id": "toot:featured", "@type": "@id"},
    "alsoKnownAs": {"@id": "as:alsoKnownAs", "@type": "@id"},
    "movedTo": {"@id": "as:movedTo", "@type": "@id"},
    "replies": {"@id": "as:replies", "@type": "@id"},
    "tag": "as:tag",
    "attachment": "as:attachment",
    "icon": "as:icon",
    "image": "as:image",
    "name": "as:name",
    "summary": "as:summary",
    "content": "as:content",
    "mediaType": "as:mediaType",
    "sensitive": "as:sensitive",
    "published": {"@id": "as:published", "@type": "xsd:dateTime"},
    "updated": {"@id": "as:updated", "@type": "xsd:dateTime"},
    "endTime": {"@id": "as:endTime", "@type": "xsd:dateTime"},
    "deleted": {"@id": "as:deleted", "@type": "xsd:dateTime"},
    "oneOf": "as:oneOf",
    "anyOf": "as:anyOf",
    "votersCount": "toot:votersCount",
    "totalItems": "as:totalItems",
    "items": "as:items",
    "orderedItems": {"@id": "as:items", "@container": "@list"},
    "first": {"@id": "as:first", "@type": "@id"},
    "next": {"@id": "as:next", "@type": "@id"},
    "partOf": {"@id": "as:partOf", "@type": "@id"},
    "preferredUsername": "as:preferredUsername",
    "manuallyApprovesFollowers": "as:manuallyApprovesFollowers",
    "discoverable": "toot:discoverable",
    "width": "as:width",
    "height": "as:height",
    "blurhash": "toot:blurhash"
  }
}`

const securityContext = `{
  "@context": {
    "id": "@id",
    "type": "@type",
    "sec": "https://w3id.org/security#",
    "xsd": "http://www.w3.org/2001/XMLSchema#",
    "RsaSignature2017": "sec:RsaSignature2017",
    "CryptographicKey": "sec:Key",
    "publicKey": {"@id": "sec:publicKey", "@type": "@id"},
    "publicKeyPem": "sec:publicKeyPem",
    "owner": {"@id": "sec:owner", "@type": "@id"},
    "creator": {"@id": "dc:creator", "@type": "@id"},
    "dc": "http://purl.org/dc/terms/",
    "created": {"@id": "dc:created", "@type": "xsd:dateTime"},
    "signature": "sec:signature",
    "signatureValue": "sec:signatureValue",
    "nonce": "sec:nonce",
    "domain": "sec:domain"
  }
}`

// contextLoader serves embedded contexts and never touches the network.
type contextLoader struct {
	mu    sync.Mutex
	cache map[string]*ld.RemoteDocument
}

func newContextLoader() *contextLoader {
	return &contextLoader{cache: map[string]*ld.RemoteDocument{}}
}

func (l *contextLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if doc, ok := l.cache[u]; ok {
		return doc, nil
	}

	raw := activityStreamsContext
	if u == ContextSecurity {
		raw = securityContext
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse embedded context %s: %w", u, err)
	}
	doc := &ld.RemoteDocument{DocumentURL: u, Document: parsed}
	l.cache[u] = doc
	return doc, nil
}
