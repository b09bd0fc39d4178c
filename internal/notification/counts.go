package notification

// Counts holds the unseen item count of every category
type Counts struct {
	Invoices        int `json:"invoices"`
	Chat            int `json:"chat"`
	Tickets         int `json:"tickets"`
	InvoiceRequests int `json:"invoiceRequests"`
	Requests        int `json:"requests"`
}

// Get returns the count of c
func (c Counts) Get(cat Category) int {
	if p := c.field(cat); p != nil {
		return *p
	}
	return 0
}

// Total sums every category
func (c Counts) Total() int {
	return c.Invoices + c.Chat + c.Tickets + c.InvoiceRequests + c.Requests
}

func (c *Counts) set(cat Category, n int) {
	if n < 0 {
		n = 0
	}
	if p := c.field(cat); p != nil {
		*p = n
	}
}

func (c *Counts) field(cat Category) *int {
	switch cat {
	case CategoryInvoices:
		return &c.Invoices
	case CategoryChat:
		return &c.Chat
	case CategoryTickets:
		return &c.Tickets
	case CategoryInvoiceRequests:
		return &c.InvoiceRequests
	case CategoryRequests:
		return &c.Requests
	}
	return nil
}

// Normalized floors every counter at zero
func (c Counts) Normalized() Counts {
	for _, cat := range AllCategories() {
		c.set(cat, c.Get(cat))
	}
	return c
}

// With returns a copy of c with the count of cat set to n, floored at zero
func (c Counts) With(cat Category, n int) Counts {
	c.set(cat, n)
	return c
}
