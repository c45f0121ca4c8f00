package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/metrics"
	"github.com/example/receiptsync/internal/models"
	"github.com/example/receiptsync/pkg/cache"
)

// entitlementTiers maps provider entitlement identifiers to tiers. The
// teammate tier is never granted by an entitlement.
var entitlementTiers = map[string]models.Tier{
	"starter":      models.TierStarter,
	"growth":       models.TierGrowth,
	"professional": models.TierProfessional,
	"pro":          models.TierProfessional,
}

// MapEntitlementToTier returns the tier for an entitlement id. Unknown ids
// map to trial and report known=false; they never fail the caller.
func MapEntitlementToTier(id string) (tier models.Tier, known bool) {
	if t, ok := entitlementTiers[strings.ToLower(strings.TrimSpace(id))]; ok {
		return t, true
	}
	return models.TierTrial, false
}

// ActiveEntitlement returns the first entitlement id, in sorted order, that is
// active at now.
func ActiveEntitlement(sub *models.Subscriber, now time.Time) (string, bool) {
	if sub == nil || len(sub.Entitlements) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(sub.Entitlements))
	for id := range sub.Entitlements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if sub.Entitlements[id].ActiveAt(now) {
			return id, true
		}
	}
	return "", false
}

// EntitlementResolver turns subscriber payloads into tiers.
type EntitlementResolver struct {
	lookup EntitlementLookup
	logger *zap.Logger
	clock  Clock
}

// NewEntitlementResolver creates a resolver. lookup may be nil when only
// webhook payloads are interpreted.
func NewEntitlementResolver(lookup EntitlementLookup, logger *zap.Logger, clock Clock) *EntitlementResolver {
	if clock == nil {
		clock = SystemClock
	}
	return &EntitlementResolver{lookup: lookup, logger: logger, clock: clock}
}

// TierFromSubscriber returns the tier granted by sub at now and whether any
// entitlement is active.
func (r *EntitlementResolver) TierFromSubscriber(sub *models.Subscriber, now time.Time) (models.Tier, bool) {
	id, ok := ActiveEntitlement(sub, now)
	if !ok {
		return models.TierTrial, false
	}
	tier, known := MapEntitlementToTier(id)
	if !known {
		r.logger.Warn("Unknown entitlement identifier, defaulting to trial", zap.String("entitlement", id))
	}
	return tier, true
}

// Resolve queries the provider for appUserID and returns the granted tier.
func (r *EntitlementResolver) Resolve(ctx context.Context, appUserID string) (models.Tier, bool, error) {
	if r.lookup == nil {
		return models.TierTrial, false, ErrProviderUnavailable
	}
	sub, err := r.lookup.Subscriber(ctx, appUserID)
	if err != nil {
		return models.TierTrial, false, err
	}
	tier, active := r.TierFromSubscriber(sub, r.clock())
	return tier, active, nil
}

// RevenueCatClient reads subscribers from the RevenueCat REST API.
type RevenueCatClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRevenueCatClient creates a client for baseURL (for example https://api.revenuecat.com).
func NewRevenueCatClient(baseURL, apiKey string, httpClient *http.Client) *RevenueCatClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RevenueCatClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type subscriberResponse struct {
	Subscriber models.Subscriber `json:"subscriber"`
}

// Subscriber fetches GET /v1/subscribers/{id}.
func (c *RevenueCatClient) Subscriber(ctx context.Context, appUserID string) (*models.Subscriber, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: no API key configured", ErrProviderUnavailable)
	}
	endpoint := c.baseURL + "/v1/subscribers/" + url.PathEscape(appUserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build subscriber request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: subscriber lookup returned %d: %s", ErrProviderUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out subscriberResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode subscriber response: %w", err)
	}
	return &out.Subscriber, nil
}

// CachedLookup wraps an EntitlementLookup with a short-lived cache. Cache
// errors fall through to the provider.
type CachedLookup struct {
	next   EntitlementLookup
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedLookup creates a CachedLookup.
func NewCachedLookup(next EntitlementLookup, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedLookup {
	return &CachedLookup{next: next, cache: c, ttl: ttl, logger: logger}
}

func subscriberCacheKey(appUserID string) string {
	return "entitlements:" + appUserID
}

func (l *CachedLookup) Subscriber(ctx context.Context, appUserID string) (*models.Subscriber, error) {
	key := subscriberCacheKey(appUserID)
	raw, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.Warn("Entitlement cache read failed", zap.String("appUserId", appUserID), zap.Error(err))
	}
	if ok {
		var sub models.Subscriber
		if err := json.Unmarshal([]byte(raw), &sub); err == nil {
			metrics.EntitlementCacheTotal.WithLabelValues("hit").Inc()
			return &sub, nil
		}
	}
	metrics.EntitlementCacheTotal.WithLabelValues("miss").Inc()

	sub, err := l.next.Subscriber(ctx, appUserID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(sub); err == nil {
		if err := l.cache.Set(ctx, key, string(data), l.ttl); err != nil {
			l.logger.Warn("Entitlement cache write failed", zap.String("appUserId", appUserID), zap.Error(err))
		}
	}
	return sub, nil
}

// Invalidate drops the cached subscriber so the next lookup hits the provider.
func (l *CachedLookup) Invalidate(ctx context.Context, appUserID string) error {
	return l.cache.Delete(ctx, subscriberCacheKey(appUserID))
}
