// Package investigation provides the business boundary for Inquest's incident
// analysis. It defines the Service (dedup, lifecycle, bounded dispatch), the
// Engine (the reasoning/tool loop with its deadline and budgets), the Reporter
// (ticket write-back with degraded reports), the Store interface, and the
// domain models.
package investigation
