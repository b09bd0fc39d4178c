package notification

import (
	"fmt"
	"strings"
)

// Category is a notification counter
type Category int

const (
	CategoryInvoices Category = iota
	CategoryChat
	CategoryTickets
	CategoryInvoiceRequests
	CategoryRequests
)

// AllCategories returns every counter in display order
func AllCategories() []Category {
	return []Category{
		CategoryInvoices,
		CategoryChat,
		CategoryTickets,
		CategoryInvoiceRequests,
		CategoryRequests,
	}
}

// Key returns the field name the server uses for the category
func (c Category) Key() string {
	switch c {
	case CategoryInvoices:
		return "invoices"
	case CategoryChat:
		return "chat"
	case CategoryTickets:
		return "tickets"
	case CategoryInvoiceRequests:
		return "invoiceRequests"
	case CategoryRequests:
		return "requests"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Path returns the path segment used in the mark-viewed endpoint
func (c Category) Path() string {
	switch c {
	case CategoryInvoiceRequests:
		return "invoice-requests"
	default:
		return c.Key()
	}
}

func (c Category) String() string { return c.Key() }

// Valid reports whether c is one of AllCategories
func (c Category) Valid() bool {
	return c >= CategoryInvoices && c <= CategoryRequests
}

// ParseCategory resolves a server key or path segment
func ParseCategory(s string) (Category, error) {
	for _, c := range AllCategories() {
		if strings.EqualFold(s, c.Key()) || strings.EqualFold(s, c.Path()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown notification category %q", s)
}

// routeCategories maps dashboard routes to the counter their badge shows
var routeCategories = map[string]Category{
	"/invoices":                 CategoryInvoices,
	"/accounting/invoices":      CategoryInvoices,
	"/chat":                     CategoryChat,
	"/messages":                 CategoryChat,
	"/tickets":                  CategoryTickets,
	"/support/tickets":          CategoryTickets,
	"/invoice-requests":         CategoryInvoiceRequests,
	"/accounting/requests":      CategoryInvoiceRequests,
	"/requests":                 CategoryRequests,
	"/operations/requests":      CategoryRequests,
	"/logistics/requests":       CategoryRequests,
	"/customer-service/tickets": CategoryTickets,
}

// CategoryForRoute returns the counter shown for a route. Nested routes
// resolve to their closest registered ancestor.
func CategoryForRoute(route string) (Category, bool) {
	route = "/" + strings.Trim(route, "/")
	for route != "" && route != "/" {
		if c, ok := routeCategories[route]; ok {
			return c, true
		}
		i := strings.LastIndex(route, "/")
		if i <= 0 {
			break
		}
		route = route[:i]
	}
	return 0, false
}
