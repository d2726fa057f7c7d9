// Package types holds the value objects shared across the scheduler:
// plan fragments and stages (plan.go), splits and exchange handles
// (split.go), node requirements (node.go), task descriptors (task.go),
// and the connector split source contract (connector.go). Everything
// here is immutable after construction and compared by value.
package types
