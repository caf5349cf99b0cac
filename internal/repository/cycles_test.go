package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCycleRepository_NewestFirstAndEviction(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCycleRepository(3)

	empty, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for i := 1; i <= 5; i++ {
		require.NoError(t, repo.Save(ctx, &models.CycleReport{CycleId: fmt.Sprintf("c%d", i)}))
	}

	recent, err := repo.Recent(ctx, 0)
	require.NoError(t, err)
	var ids []string
	for _, r := range recent {
		ids = append(ids, r.CycleId)
	}
	assert.Equal(t, []string{"c5", "c4", "c3"}, ids)

	two, err := repo.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "c5", two[0].CycleId)
}

func TestMemoryCycleRepository_PartiallyFilled(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCycleRepository(10)
	require.NoError(t, repo.Save(ctx, &models.CycleReport{CycleId: "a"}))
	require.NoError(t, repo.Save(ctx, &models.CycleReport{CycleId: "b"}))

	recent, err := repo.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].CycleId)
	assert.Equal(t, "a", recent[1].CycleId)
}
