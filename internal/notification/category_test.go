package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryForRoute(t *testing.T) {
	tests := []struct {
		route string
		want  Category
		found bool
	}{
		{"/invoices", CategoryInvoices, true},
		{"/invoices/42/edit", CategoryInvoices, true},
		{"chat", CategoryChat, true},
		{"/support/tickets/", CategoryTickets, true},
		{"/accounting/requests/7", CategoryInvoiceRequests, true},
		{"/logistics/requests", CategoryRequests, true},
		{"/settings", 0, false},
		{"/", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			got, ok := CategoryForRoute(tt.route)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseCategory(t *testing.T) {
	for _, c := range AllCategories() {
		got, err := ParseCategory(c.Key())
		require.NoError(t, err)
		assert.Equal(t, c, got)
		assert.True(t, c.Valid())
	}

	got, err := ParseCategory("invoice-requests")
	require.NoError(t, err)
	assert.Equal(t, CategoryInvoiceRequests, got)

	_, err = ParseCategory("payroll")
	assert.Error(t, err)
	assert.False(t, Category(99).Valid())
}

func TestCounts_GetAndTotal(t *testing.T) {
	c := Counts{Invoices: 1, Chat: 2, Tickets: 3, InvoiceRequests: 4, Requests: 5}
	assert.Equal(t, 15, c.Total())
	assert.Equal(t, 4, c.Get(CategoryInvoiceRequests))
	assert.Equal(t, 0, c.Get(Category(99)))
}

func TestCounts_With(t *testing.T) {
	c := Counts{Chat: 2}
	next := c.With(CategoryChat, 5).With(CategoryTickets, -1)
	assert.Equal(t, Counts{Chat: 5}, next)
	assert.Equal(t, 2, c.Chat, "receiver is not modified")
}
