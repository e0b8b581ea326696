package domain

// Expense is one row of the append-only expense ledger. Records are inserted
// exactly once and never mutated; corrections happen by appending new rows.
type Expense struct {
	ID          string
	UserID      string
	Date        string // ISO date, YYYY-MM-DD
	Price       float64
	Category    string
	Description string
}

// Categories is the closed label set advertised to the model in the
// classifier and extractor schemas. Stored values are lowercased; a label
// outside this set is tolerated (model drift) rather than rejected.
var Categories = []string{
	"food",
	"groceries",
	"transport",
	"rent",
	"utilities",
	"health",
	"entertainment",
	"shopping",
	"education",
	"travel",
	"subscription",
	"bills",
	"personal",
	"other",
}

// ExtractedExpense is the structured output of the attachment extractor.
// Date is optional; the dispatch engine substitutes the current date.
type ExtractedExpense struct {
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	Description string  `json:"description"`
	Date        string  `json:"date"`
}
