package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// AccessFunc returns the payload of the latest version of a secret
type AccessFunc func(ctx context.Context, name string) ([]byte, error)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// KeyLoader reads key material from GCP Secret Manager with a short-lived cache
type KeyLoader struct {
	projectID string
	access    AccessFunc
	closeFn   func() error
	cache     map[string]*cacheEntry
	cacheMu   sync.RWMutex
	cacheTTL  time.Duration
}

// NewGCPKeyLoader creates a loader backed by a Secret Manager client
func NewGCPKeyLoader(ctx context.Context, projectID string) (*KeyLoader, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	access := func(ctx context.Context, name string) ([]byte, error) {
		result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: name,
		})
		if err != nil {
			return nil, err
		}
		return result.Payload.Data, nil
	}

	loader := NewKeyLoader(projectID, access)
	loader.closeFn = client.Close
	return loader, nil
}

// NewKeyLoader creates a loader over an arbitrary accessor
func NewKeyLoader(projectID string, access AccessFunc) *KeyLoader {
	return &KeyLoader{
		projectID: projectID,
		access:    access,
		cache:     make(map[string]*cacheEntry),
		cacheTTL:  5 * time.Minute,
	}
}

// Close closes the underlying client, if any
func (l *KeyLoader) Close() error {
	if l.closeFn != nil {
		return l.closeFn()
	}
	return nil
}

// SecretVersionName expands a short secret id into a full version resource name.
// Values that already start with "projects/" are kept, gaining "/versions/latest"
// when no version is given.
func (l *KeyLoader) SecretVersionName(secret string) string {
	if strings.HasPrefix(secret, "projects/") {
		if strings.Contains(secret, "/versions/") {
			return secret
		}
		return secret + "/versions/latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", l.projectID, secret)
}

// Load returns the secret payload, served from cache while fresh
func (l *KeyLoader) Load(ctx context.Context, secret string) ([]byte, error) {
	name := l.SecretVersionName(secret)

	l.cacheMu.RLock()
	if entry, ok := l.cache[name]; ok && time.Now().Before(entry.expiresAt) {
		l.cacheMu.RUnlock()
		return entry.value, nil
	}
	l.cacheMu.RUnlock()

	value, err := l.access(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", name, err)
	}

	l.cacheMu.Lock()
	l.cache[name] = &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(l.cacheTTL),
	}
	l.cacheMu.Unlock()

	return value, nil
}
