// Package admin implements the token administrator service: a
// username with blanket authority over every token. Grounded on
// original_source/tests/services/admin_test.py, which is the
// authoritative description of the permission rule this package
// enforces (only an existing admin, or the bootstrap actor, may add or
// remove another admin).
package admin

import (
	"context"

	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	"github.com/gafaelfawr/gafaelfawr/internal/store"
)

// Service manages the admin list.
type Service struct {
	db store.Database
}

// New builds a Service over db.
func New(db store.Database) *Service { return &Service{db: db} }

// GetAdmins lists every current admin.
func (s *Service) GetAdmins(ctx context.Context) ([]schema.Admin, error) {
	return s.db.ListAdmins(ctx)
}

// IsAdmin reports whether username currently holds admin authority.
func (s *Service) IsAdmin(ctx context.Context, username string) (bool, error) {
	admins, err := s.db.ListAdmins(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range admins {
		if a.Username == username {
			return true, nil
		}
	}
	return false, nil
}

// AddAdmin grants username admin authority. actor must already be an
// admin, or be the bootstrap actor.
func (s *Service) AddAdmin(ctx context.Context, username, actor string) error {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return err
	}
	return s.db.AddAdmin(ctx, username)
}

// DeleteAdmin revokes username's admin authority. actor must already
// be an admin, or be the bootstrap actor. An admin may remove their
// own authority, but the last remaining admin may not be removed --
// doing so would leave nobody able to grant admin authority back.
func (s *Service) DeleteAdmin(ctx context.Context, username, actor string) error {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return err
	}
	admins, err := s.db.ListAdmins(ctx)
	if err != nil {
		return err
	}
	if len(admins) == 1 && admins[0].Username == username {
		return gafaelfawrerr.NewPermissionDenied("cannot delete last admin")
	}
	return s.db.RemoveAdmin(ctx, username)
}

func (s *Service) requireAdmin(ctx context.Context, actor string) error {
	if actor == schema.BootstrapActor {
		return nil
	}
	isAdmin, err := s.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !isAdmin {
		return gafaelfawrerr.NewPermissionDenied(actor + " is not an administrator")
	}
	return nil
}

// Bootstrap merges the configured `initial_admins` list into the
// database additively, per spec.md's bootstrap behavior: existing
// admins are never removed by a configuration change.
func (s *Service) Bootstrap(ctx context.Context, initialAdmins []string) error {
	return s.db.MergeBootstrapAdmins(ctx, initialAdmins)
}
