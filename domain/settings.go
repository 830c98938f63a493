package domain

// SettingScope separates the three key-value namespaces of the
// configuration store.
type SettingScope string

const (
	ScopeSystem   SettingScope = "system"
	ScopeUser     SettingScope = "user"
	ScopeIdentity SettingScope = "identity"
)

// Setting is one scoped key-value row. Values are JSON-encoded.
type Setting struct {
	Scope     SettingScope
	SubjectId int64 // 0 for system scope
	Key       string
	Value     string
}

// Well-known system setting keys.
const (
	SettingSiteName              = "site_name"
	SettingIdentityMaxAge        = "identity_max_age"
	SettingSignupAllowed         = "signup_allowed"
	SettingPostLength            = "post_length"
	SettingEmojiUnreviewedPublic = "emoji_unreviewed_are_public"
	SettingCacheTimeoutPage      = "cache_timeout_page_default"
	SettingSystemActorPrivateKey = "system_actor_private_key"
	SettingSystemActorPublicKey  = "system_actor_public_key"
)
