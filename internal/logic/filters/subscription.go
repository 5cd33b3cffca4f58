package filters

import "github.com/patrickwarner/convertrelay/internal/jsontree"

// IsSubscription reports whether any line item of checkout carries a
// defined, non-null sellingPlanAllocation. One such line item is enough.
func IsSubscription(checkout jsontree.Node) bool {
	items := checkout.Child("lineItems")
	if items.Kind() != jsontree.List {
		return false
	}
	found := false
	items.Each(func(_ string, item jsontree.Node) bool {
		alloc := item.Child("sellingPlanAllocation")
		if alloc.Exists() && alloc.Kind() != jsontree.Null {
			found = true
			return false
		}
		return true
	})
	return found
}
