package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gafaelfawr/gafaelfawr/internal/gafaelfawrerr"
	"github.com/gafaelfawr/gafaelfawr/internal/schema"
	sqlstore "github.com/gafaelfawr/gafaelfawr/internal/store/sql"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sqlstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestBootstrapThenAddRequiresExistingAdmin(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Bootstrap(ctx, []string{"admin"}))

	require.NoError(t, s.AddAdmin(ctx, "example", "admin"))
	admins, err := s.GetAdmins(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 2)

	err = s.AddAdmin(ctx, "foo", "bar")
	require.Error(t, err)

	require.NoError(t, s.AddAdmin(ctx, "foo", schema.BootstrapActor))
	isAdmin, err := s.IsAdmin(ctx, "foo")
	require.NoError(t, err)
	require.True(t, isAdmin)

	isBootstrapAdmin, err := s.IsAdmin(ctx, schema.BootstrapActor)
	require.NoError(t, err)
	require.False(t, isBootstrapAdmin)
}

func TestDeleteAdminAllowsSelfRemoval(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.Bootstrap(ctx, []string{"admin"}))

	require.NoError(t, s.AddAdmin(ctx, "example", "admin"))
	require.NoError(t, s.DeleteAdmin(ctx, "admin", "admin"))

	admins, err := s.GetAdmins(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	require.Equal(t, "example", admins[0].Username)
}

func TestDeleteAdminRejectsRemovingLastAdmin(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.Bootstrap(ctx, []string{"admin"}))

	err := s.DeleteAdmin(ctx, "admin", "admin")
	var denied *gafaelfawrerr.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "cannot delete last admin", denied.Error())

	admins, err := s.GetAdmins(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 1)
}

func TestDeleteAdminRejectsNonAdminActor(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.Bootstrap(ctx, []string{"admin"}))

	err := s.DeleteAdmin(ctx, "admin", "someone-else")
	require.Error(t, err)
}
