package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"coursedesk/internal/types"
)

func TestPlanRepo_GetByStripePriceID(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewPlanRepository(dbtx)

	dbtx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"price_team"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "plan_team"
			*dest[1].(*string) = "Team"
			priceID := "price_team"
			*dest[2].(**string) = &priceID
			*dest[3].(*int64) = 4900
			*dest[4].(*int) = 25
			*dest[5].(*time.Time) = time.Now()
			return nil
		}})

	plan, err := repo.GetByStripePriceID(context.Background(), "price_team")

	require.NoError(t, err)
	assert.Equal(t, "plan_team", plan.ID)
	assert.Equal(t, int64(4900), plan.PriceCents)
}

func TestPlanRepo_GetByStripePriceID_Unmapped(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewPlanRepository(dbtx)

	dbtx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByStripePriceID(context.Background(), "price_ghost")

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPlan, appErr.Code)
	assert.False(t, appErr.Code.Retryable(), "an unmapped price must not be retried")
}

func TestPlanRepo_GetByID_NotFound(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewPlanRepository(dbtx)

	dbtx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "plan_ghost")

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPlan, appErr.Code)
}
