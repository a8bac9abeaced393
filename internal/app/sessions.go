package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// ImportSession seals material captured from a logged-in browser and stores
// it as the organization's session for marketplace. Any reauth flag on the
// previous session is cleared.
func (a *App) ImportSession(ctx context.Context, orgID, marketplace string, material domain.SessionMaterial) error {
	orgID, marketplace = strings.TrimSpace(orgID), strings.TrimSpace(marketplace)
	if orgID == "" || marketplace == "" {
		return errors.New("app: import session: org and marketplace are required")
	}
	if len(material.Cookies) == 0 {
		return errors.New("app: import session: material has no cookies")
	}
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	if c.vault == nil {
		return errors.New("app: import session: session passphrase is not configured")
	}
	sealed, err := c.vault.SealMaterial(material)
	if err != nil {
		return fmt.Errorf("app: import session: %w", err)
	}
	if err := c.deps.SessionStore.Upsert(ctx, domain.SupplierSession{
		OrgID:       orgID,
		Marketplace: marketplace,
		Material:    sealed,
	}); err != nil {
		return fmt.Errorf("app: import session: %w", err)
	}
	return nil
}

// Sessions lists an organization's stored sessions without their material.
func (a *App) Sessions(ctx context.Context, orgID string) ([]domain.SupplierSession, error) {
	c, err := a.build(ctx)
	if err != nil {
		return nil, err
	}
	if c.sessions == nil {
		return nil, errors.New("app: sessions: session passphrase is not configured")
	}
	return c.sessions.Sessions(ctx, orgID)
}
