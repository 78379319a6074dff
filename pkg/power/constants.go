package power

const (
	operationSpend = "spend"
	operationGrant = "grant"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	// Reason namespaces recorded in the ledger.
	ReasonPrefixSpend    = "spend:"
	ReasonPrefixPurchase = "purchase:"
	ReasonPrefixRefund   = "refund:"
	ReasonPrefixAdmin    = "admin:"

	// DefaultHistoryLimit applies when a caller passes a non-positive limit.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit is the hard cap on a single history page.
	MaxHistoryLimit = 200
)
