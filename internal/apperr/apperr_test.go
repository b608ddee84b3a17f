package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("book: %w", SlotUnavailable(""))

	assert.True(t, errors.Is(err, ErrSlotUnavailable))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, KindSlotUnavailable, KindOf(err))
	assert.Equal(t, "starts_at: Selected slot is no longer available.", SlotUnavailable("").Error())
}

func TestDuplicateTicketCarriesExisting(t *testing.T) {
	type ticket struct{ Number string }
	err := DuplicateTicket("exists", ticket{Number: "T-0101-001"})

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, ticket{Number: "T-0101-001"}, e.Existing)
}

func TestUntypedError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))

	wrapped := DownstreamUnavailable("sms", errors.New("timeout"))
	assert.Contains(t, wrapped.Error(), "timeout")
	assert.True(t, errors.Is(wrapped, ErrDownstreamUnavailable))
}
