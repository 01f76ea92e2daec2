package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestPublishFirmware(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()

	fw, err := services.Catalog.Publish(ctx, "1.2.0", "sha256:abc", "https://artifacts.local/1.2.0.bin", 4096, "")
	require.NoError(t, err)
	assert.Equal(t, FirmwareStatusDraft, fw.Status, "omitted status defaults to draft")
	assert.False(t, fw.PublishedAt.IsZero())

	got, err := services.Catalog.Get(ctx, "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", got.Checksum)
}

func TestPublishDuplicateVersion(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()

	_, err := services.Catalog.Publish(ctx, "1.2.0", "sha256:abc", "url", 1, "")
	require.NoError(t, err)

	_, err = services.Catalog.Publish(ctx, "1.2.0", "sha256:def", "url", 1, "")
	assert.ErrorIs(t, err, ErrDuplicateVersion)
	assert.Equal(t, KindDuplicate, KindOf(err))
}

// lostFirmwareInsert simulates a concurrent publish landing between the
// duplicate check and the insert.
type lostFirmwareInsert struct {
	Repository
}

func (s lostFirmwareInsert) GetFirmwareByVersion(ctx context.Context, version string) (*FirmwareVersion, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s lostFirmwareInsert) CreateFirmware(ctx context.Context, fw *FirmwareVersion) error {
	return gorm.ErrDuplicatedKey
}

func TestPublishLosingInsertRace(t *testing.T) {
	catalog := NewArtifactCatalogService(lostFirmwareInsert{NewMemoryRepository()}, testLogger())

	_, err := catalog.Publish(context.Background(), "1.2.0", "sha256:abc", "url", 1, "")
	assert.ErrorIs(t, err, ErrDuplicateVersion)
	assert.Equal(t, KindDuplicate, KindOf(err))
}

func TestPublishMalformedVersion(t *testing.T) {
	services, _ := newTestServices(t)

	for _, v := range []string{"", "1.2", "banana", "1.2.3.4"} {
		_, err := services.Catalog.Publish(context.Background(), v, "sha256:abc", "url", 1, "")
		assert.Equal(t, KindInvalidArgument, KindOf(err), "version %q", v)
	}
}

func TestPublishRequiresChecksum(t *testing.T) {
	services, _ := newTestServices(t)

	_, err := services.Catalog.Publish(context.Background(), "1.2.0", "", "url", 1, "")
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestFirmwareStatusTransitions(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()

	_, err := services.Catalog.Publish(ctx, "1.2.0", "sha256:abc", "url", 1, "")
	require.NoError(t, err)

	require.NoError(t, services.Catalog.SetStatus(ctx, "1.2.0", FirmwareStatusActive))
	require.NoError(t, services.Catalog.SetStatus(ctx, "1.2.0", FirmwareStatusDeprecated))
	require.NoError(t, services.Catalog.SetStatus(ctx, "1.2.0", FirmwareStatusRetired))

	// Retired is terminal.
	err = services.Catalog.SetStatus(ctx, "1.2.0", FirmwareStatusActive)
	assert.Equal(t, KindInvalidTransition, KindOf(err))

	// Same-status writes are no-ops, even for retired.
	assert.NoError(t, services.Catalog.SetStatus(ctx, "1.2.0", FirmwareStatusRetired))
}

func TestSetStatusUnknownVersion(t *testing.T) {
	services, _ := newTestServices(t)

	err := services.Catalog.SetStatus(context.Background(), "9.9.9", FirmwareStatusActive)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestListAssignableFiltersByStatus(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()

	publishActive(t, services, "1.0.0")
	_, err := services.Catalog.Publish(ctx, "2.0.0", "sha256:x", "url", 1, FirmwareStatusDraft)
	require.NoError(t, err)
	_, err = services.Catalog.Publish(ctx, "3.0.0", "sha256:y", "url", 1, FirmwareStatusDeprecated)
	require.NoError(t, err)

	assignable, err := services.Catalog.ListAssignable(ctx)
	require.NoError(t, err)
	require.Len(t, assignable, 1)
	assert.Equal(t, "1.0.0", assignable[0].Version)
}
