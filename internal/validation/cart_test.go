package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/cafe-orders/internal/model"
)

func TestNormalizeCart(t *testing.T) {
	tests := []struct {
		name    string
		items   []model.CartItem
		want    []model.CartItem
		wantErr error
	}{
		{
			name:    "empty cart",
			items:   nil,
			wantErr: ErrEmptyCart,
		},
		{
			name:    "zero quantity",
			items:   []model.CartItem{{MenuItemID: "a", Quantity: 0}},
			wantErr: ErrInvalidQuantity,
		},
		{
			name:    "negative quantity",
			items:   []model.CartItem{{MenuItemID: "a", Quantity: 1}, {MenuItemID: "b", Quantity: -2}},
			wantErr: ErrInvalidQuantity,
		},
		{
			name:    "huge quantity",
			items:   []model.CartItem{{MenuItemID: "a", Quantity: 1 << 40}},
			wantErr: ErrQuantityTooLarge,
		},
		{
			name: "merged quantity over the limit",
			items: []model.CartItem{
				{MenuItemID: "a", Quantity: MaxLineQuantity},
				{MenuItemID: "a", Quantity: 1},
			},
			wantErr: ErrQuantityTooLarge,
		},
		{
			name:  "exactly the limit",
			items: []model.CartItem{{MenuItemID: "a", Quantity: MaxLineQuantity}},
			want:  []model.CartItem{{MenuItemID: "a", Quantity: MaxLineQuantity}},
		},
		{
			name:    "blank id",
			items:   []model.CartItem{{MenuItemID: "  ", Quantity: 1}},
			wantErr: ErrMissingItemID,
		},
		{
			name: "duplicates merged in first-seen order",
			items: []model.CartItem{
				{MenuItemID: "b", Quantity: 1},
				{MenuItemID: "a", Quantity: 2},
				{MenuItemID: "b", Quantity: 3},
			},
			want: []model.CartItem{
				{MenuItemID: "b", Quantity: 4},
				{MenuItemID: "a", Quantity: 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeCart(tt.items)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckPickupWindow(t *testing.T) {
	now := time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)
	window := 3 * time.Hour

	assert.NoError(t, CheckPickupWindow(now, now, window))
	assert.NoError(t, CheckPickupWindow(now.Add(window), now, window))
	assert.ErrorIs(t, CheckPickupWindow(now.Add(-time.Minute), now, window), ErrPickupInPast)
	assert.ErrorIs(t, CheckPickupWindow(now.Add(window+time.Second), now, window), ErrPickupTooFar)
}
