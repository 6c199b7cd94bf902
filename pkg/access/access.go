// Package access implements the broker's access-control and policy
// engine (spec.md §4.7): a resource grammar of "/type/object_id/operation",
// a per-(identity, resource) decision cache, and the default "local"
// policy — any authenticated identity may read a topic, writes require an
// explicit grant that the first authorized writer auto-claims.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/broker"
)

// Operation enumerates the actions a resource grammar path can name.
type Operation string

const (
	OperationRead  Operation = "read"
	OperationWrite Operation = "write"
)

// Identity is the authenticated caller a decision is made for.
type Identity struct {
	Subject string
	// Local marks a same-cluster service identity (e.g. the consolidator,
	// or an internal health check) that bypasses the grant model
	// entirely, per spec.md §4.7.
	Local bool
}

func (i Identity) String() string {
	if i.Local {
		return "local:" + i.Subject
	}
	return i.Subject
}

type contextKey string

const identityContextKey contextKey = "access.identity"

// NewContext returns a copy of ctx carrying identity, for the auth
// middleware to attach a validated caller to the request and transport
// handlers to retrieve it.
func NewContext(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// FromContext extracts the Identity stored by NewContext, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(Identity)
	return identity, ok
}

// Control is the engine-facing access controller: it wraps a cache in
// front of the policy engine's decisions.
type Control struct {
	cache  *decisionCache
	policy *localPolicyEngine
	logger *slog.Logger
}

// New builds a Control using the default "local" policy engine (spec.md
// §4.7's only documented policy).
func New(access backend.AccessFacade, logger *slog.Logger) *Control {
	return &Control{
		cache:  newDecisionCache(),
		policy: &localPolicyEngine{access: access},
		logger: logger,
	}
}

// TopicResource builds the "/topic/<id>/<operation>" resource path.
func TopicResource(topicID string, op Operation) string {
	return fmt.Sprintf("/topic/%s/%s", topicID, op)
}

// AssertAllowedTopicWrite errors with broker.Unauthorized unless identity
// may write to topicID, auto-granting the write if the topic is unclaimed.
func (c *Control) AssertAllowedTopicWrite(ctx context.Context, identity Identity, topicID string) error {
	resource := TopicResource(topicID, OperationWrite)
	err := c.assertAuthorized(ctx, identity, resource)
	anyAuthorized, perr := c.policy.isAnyAuthorizedToResource(ctx, resource)
	if perr != nil {
		return broker.Wrap(broker.Unspecified, "checking resource claim", perr)
	}
	if !anyAuthorized {
		return c.grant(ctx, identity, resource)
	}
	return err
}

// AssertAllowedTopicRead errors with broker.Unauthorized unless identity
// may read topicID.
func (c *Control) AssertAllowedTopicRead(ctx context.Context, identity Identity, topicID string) error {
	return c.assertAuthorized(ctx, identity, TopicResource(topicID, OperationRead))
}

func (c *Control) assertAuthorized(ctx context.Context, identity Identity, resource string) error {
	if c.cache.isAuthorized(identity.String(), resource) {
		return nil
	}
	ok, err := c.policy.isAuthorizedToResource(ctx, identity, resource)
	if err != nil {
		return broker.Wrap(broker.Unspecified, "evaluating policy", err)
	}
	if !ok {
		c.logger.Info("access denied", "identity", identity.String(), "resource", resource)
		return broker.New(broker.Unauthorized, fmt.Sprintf("identity %q is not authorized to %q", identity, resource))
	}
	c.cache.insert(identity.String(), resource)
	return nil
}

func (c *Control) grant(ctx context.Context, identity Identity, resource string) error {
	ok, err := c.policy.grantAccessToResourceFor(ctx, identity, resource, 0)
	if err != nil {
		return broker.Wrap(broker.Unspecified, "granting resource access", err)
	}
	if !ok {
		return broker.New(broker.Unspecified, fmt.Sprintf("failed to grant identity %q access to %q", identity, resource))
	}
	c.cache.insert(identity.String(), resource)
	c.logger.Info("granted access", "identity", identity.String(), "resource", resource)
	return nil
}

// localPolicyEngine is the "local" policy from spec.md §4.7.
type localPolicyEngine struct {
	access backend.AccessFacade
}

func splitResource(resource string) (resourceType, objectID, operation string, err error) {
	trimmed := strings.TrimPrefix(resource, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("resource %q must have the form /type/object_id/operation", resource)
	}
	return parts[0], parts[1], parts[2], nil
}

func (p *localPolicyEngine) isAuthorizedToResource(ctx context.Context, identity Identity, resource string) (bool, error) {
	if identity.Local {
		return true, nil
	}
	resourceType, _, operation, err := splitResource(resource)
	if err != nil {
		return false, nil
	}
	if resourceType != "topic" {
		return false, nil
	}
	switch Operation(operation) {
	case OperationRead:
		return true, nil
	case OperationWrite:
		grantedTo, found, err := p.access.GrantExists(ctx, resource)
		if err != nil {
			return false, err
		}
		return found && grantedTo == identity.String(), nil
	default:
		return false, nil
	}
}

func (p *localPolicyEngine) isAnyAuthorizedToResource(ctx context.Context, resource string) (bool, error) {
	resourceType, _, operation, err := splitResource(resource)
	if err != nil {
		return false, nil
	}
	if resourceType != "topic" {
		return false, nil
	}
	switch Operation(operation) {
	case OperationRead:
		return true, nil
	case OperationWrite:
		_, found, err := p.access.GrantExists(ctx, resource)
		return found, err
	default:
		return false, nil
	}
}

func (p *localPolicyEngine) grantAccessToResourceFor(ctx context.Context, identity Identity, resource string, expires uint64) (bool, error) {
	if identity.Local {
		return true, nil
	}
	resourceType, _, operation, err := splitResource(resource)
	if err != nil {
		return false, nil
	}
	if resourceType != "topic" {
		return false, nil
	}
	switch Operation(operation) {
	case OperationRead:
		return true, nil
	case OperationWrite:
		return p.access.Grant(ctx, resource, identity.String(), expires)
	default:
		return false, nil
	}
}

// decisionCache memoizes (identity, resource) -> allowed decisions so
// repeat calls on a hot publish/subscribe path skip the policy engine.
type decisionCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func newDecisionCache() *decisionCache {
	return &decisionCache{entries: make(map[string]time.Time)}
}

func cacheKey(identity, resource string) string { return identity + "\x00" + resource }

func (c *decisionCache) isAuthorized(identity, resource string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[cacheKey(identity, resource)]
	return ok
}

func (c *decisionCache) insert(identity, resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(identity, resource)] = time.Now()
}
