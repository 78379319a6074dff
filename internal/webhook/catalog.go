package webhook

// ProductCatalog maps purchase-processor product identifiers to power deltas.
// Unknown products resolve to zero and the event is ignored.
type ProductCatalog map[string]int64

// DefaultCatalog returns the store products and their power values. Some
// products ship under two historical identifiers; both map to the same delta.
func DefaultCatalog() ProductCatalog {
	return ProductCatalog{
		"coffee_1":    8,
		"1_coffee":    8,
		"coffee_5":    40,
		"5_coffees":   40,
		"coffee_50":   400,
		"50_coffees":  400,
		"coffee_120":  960,
		"120_coffees": 960,
		"coffee_400":  3200,
		"400_coffees": 3200,
	}
}

// PowerDelta returns the power value for a product, or zero when unknown.
func (catalog ProductCatalog) PowerDelta(productID string) int64 {
	return catalog[productID]
}
