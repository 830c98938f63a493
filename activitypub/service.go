package activitypub

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

// Service owns the federation pipeline: it resolves actors, ingests inbox
// messages, fans deliveries out, and provides the state-graph handlers the
// runner drives.
type Service struct {
	store  *db.Store
	client *Client
	conf   *util.AppConfig
	logger *slog.Logger
	ld     *LDProcessor

	// SkipDateCheck disables the HTTP signature clock-skew window, for
	// tests replaying canned requests.
	SkipDateCheck bool

	sysMu    sync.Mutex
	sysKey   *rsa.PrivateKey
	sysKeyId string
}

func NewService(store *db.Store, client *Client, conf *util.AppConfig, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		client: client,
		conf:   conf,
		logger: logger,
		ld:     NewLDProcessor(),
	}
}

// LD exposes the processor for the web layer's document rendering.
func (s *Service) LD() *LDProcessor { return s.ld }

// ─── Local URI scheme ─────────────────────────────────────────────────────────

func (s *Service) ActorURI(username string) string {
	return fmt.Sprintf("%s/@%s/", s.conf.BaseURL(), username)
}

func (s *Service) SystemActorURI() string {
	return s.conf.BaseURL() + "/actor/"
}

func (s *Service) PostURI(postId int64) string {
	return fmt.Sprintf("%s/post/%d/", s.conf.BaseURL(), postId)
}

func (s *Service) FollowURI(username string, followId int64) string {
	return fmt.Sprintf("%s/@%s/follow/%d/", s.conf.BaseURL(), username, followId)
}

func (s *Service) InteractionURI(username string, interactionId int64) string {
	return fmt.Sprintf("%s/@%s/interaction/%d/", s.conf.BaseURL(), username, interactionId)
}

// ActivityId mints a fresh id for a transient outbound activity wrapper.
func (s *Service) ActivityId() string {
	return s.conf.BaseURL() + "/activity/" + uuid.NewString()
}

// LocalPostIdFromURI extracts the snowflake from a local post URI, 0 when
// the URI is not ours.
func (s *Service) LocalPostIdFromURI(uri string) int64 {
	prefix := s.conf.BaseURL() + "/post/"
	if !strings.HasPrefix(uri, prefix) {
		return 0
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(uri, prefix), "/")
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// ─── System actor ─────────────────────────────────────────────────────────────

// SystemKey returns the system actor's signing key and keyId, generating
// and persisting a keypair on first use. The key lives in the settings
// store so it survives restarts.
func (s *Service) SystemKey(ctx context.Context) (string, *rsa.PrivateKey, error) {
	s.sysMu.Lock()
	defer s.sysMu.Unlock()
	if s.sysKey != nil {
		return s.sysKeyId, s.sysKey, nil
	}

	keyId := s.SystemActorURI() + "#main-key"
	pem, ok, err := s.store.SystemSetting(ctx, domain.SettingSystemActorPrivateKey)
	if err != nil {
		return "", nil, err
	}
	if ok {
		key, err := util.ParsePrivateKey(pem)
		if err != nil {
			return "", nil, fmt.Errorf("stored system key unusable: %w", err)
		}
		s.sysKey, s.sysKeyId = key, keyId
		return keyId, key, nil
	}

	pair := util.GeneratePemKeypair()
	if err := s.store.PutSetting(ctx, domain.ScopeSystem, 0, domain.SettingSystemActorPrivateKey, pair.Private); err != nil {
		return "", nil, err
	}
	if err := s.store.PutSetting(ctx, domain.ScopeSystem, 0, domain.SettingSystemActorPublicKey, pair.Public); err != nil {
		return "", nil, err
	}
	key, err := util.ParsePrivateKey(pair.Private)
	if err != nil {
		return "", nil, err
	}
	s.sysKey, s.sysKeyId = key, keyId
	s.logger.Info("generated system actor keypair", "key_id", keyId)
	return keyId, key, nil
}

// SystemPublicKeyPem returns the persisted system actor public key.
func (s *Service) SystemPublicKeyPem(ctx context.Context) (string, error) {
	if _, _, err := s.SystemKey(ctx); err != nil {
		return "", err
	}
	pem, _, err := s.store.SystemSetting(ctx, domain.SettingSystemActorPublicKey)
	return pem, err
}

// ─── Activity document helpers ────────────────────────────────────────────────

func getString(doc map[string]any, key string) string {
	switch v := doc[key].(type) {
	case string:
		return v
	case map[string]any:
		// Compacted single-value nodes may appear as {"id": "..."}.
		id, _ := v["id"].(string)
		return id
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func getMap(doc map[string]any, key string) map[string]any {
	switch v := doc[key].(type) {
	case map[string]any:
		return v
	case []any:
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func getBool(doc map[string]any, key string) bool {
	b, _ := doc[key].(bool)
	return b
}

func getList(doc map[string]any, key string) []any {
	switch v := doc[key].(type) {
	case []any:
		return v
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// getStringList flattens a value that may be a string, a node object, or a
// list of either into plain URI strings.
func getStringList(doc map[string]any, key string) []string {
	var out []string
	for _, item := range getList(doc, key) {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if id, ok := v["id"].(string); ok {
				out = append(out, id)
			}
		}
	}
	return out
}

// objectOf splits the activity's object into its URI and, when embedded,
// the full node.
func objectOf(doc map[string]any) (uri string, node map[string]any) {
	switch v := doc["object"].(type) {
	case string:
		return v, nil
	case map[string]any:
		id, _ := v["id"].(string)
		return id, v
	case []any:
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				id, _ := m["id"].(string)
				return id, m
			}
			if s, ok := v[0].(string); ok {
				return s, nil
			}
		}
	}
	return "", nil
}

func parsePublished(doc map[string]any) time.Time {
	raw := getString(doc, "published")
	if raw == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func typeOf(doc map[string]any) string {
	switch v := doc["type"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}
