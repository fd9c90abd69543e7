package memory

import (
	"context"
	"sync"

	"collabtext/collabd/internal/ports"
)

var (
	_ ports.Authorizer       = (*ACL)(nil)
	_ ports.IdentityResolver = (*Directory)(nil)
)

// ACL grants access per document. A nil ACL, or one created with AllowAll,
// grants every principal access to every document.
type ACL struct {
	mu       sync.RWMutex
	allowAll bool
	grants   map[string]map[string]bool
}

func AllowAll() *ACL {
	return &ACL{allowAll: true}
}

func NewACL() *ACL {
	return &ACL{grants: make(map[string]map[string]bool)}
}

func (a *ACL) Grant(documentID string, principalIDs ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grants == nil {
		a.grants = make(map[string]map[string]bool)
	}
	g, ok := a.grants[documentID]
	if !ok {
		g = make(map[string]bool)
		a.grants[documentID] = g
	}
	for _, p := range principalIDs {
		g[p] = true
	}
}

func (a *ACL) Revoke(documentID, principalID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants[documentID], principalID)
}

func (a *ACL) CanAccess(ctx context.Context, documentID, principalID string) (bool, error) {
	if a == nil || a.allowAll {
		return true, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.grants[documentID][principalID], nil
}

// Directory resolves display names from a fixed table. Unknown principals
// resolve to an empty name.
type Directory struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewDirectory(names map[string]string) *Directory {
	d := &Directory{names: make(map[string]string)}
	for k, v := range names {
		d.names[k] = v
	}
	return d
}

func (d *Directory) Set(principalID, displayName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[principalID] = displayName
}

func (d *Directory) DisplayName(ctx context.Context, principalID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[principalID], nil
}
