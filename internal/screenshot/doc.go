// Package screenshot holds the domain types and interfaces shared by the
// capture pipeline: accounts and plan tiers, quota periods, webhook
// subscriptions and events, and the storage/publishing contracts the
// pipeline consumes.
package screenshot
