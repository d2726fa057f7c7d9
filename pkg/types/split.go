package types

// Split is a unit of input work for a task. It is either connector-backed
// data or a reference into an upstream exchange's output. Splits are
// immutable and retain their original producer ordering within each
// plan-node's split list (spec §4.1).
type Split interface {
	// SplitWeight is the scheduling weight used by SourceDistribution and
	// HashDistribution batching and by descriptor-store size estimates.
	SplitWeight() DataSize
	// Addresses returns the optional host-affinity set carried by the
	// split, or nil if the split has no address affinity.
	Addresses() []HostAddress
	// Bucket returns the split's hash bucket and true, or false if the
	// split carries no bucket (non-HASH fragments).
	Bucket() (int, bool)
	// Catalog returns the catalog handle this split was produced for.
	// RemoteSplit always reports RemoteCatalogHandle.
	Catalog() CatalogHandle
}

// ConnectorSplit is a connector-produced unit of data: an opaque payload
// the connector itself understands, plus the scheduling metadata the
// scheduler needs (weight, optional host affinity, optional bucket).
type ConnectorSplit struct {
	CatalogHandleValue CatalogHandle
	Payload            []byte
	Weight             DataSize
	HostAddresses      []HostAddress // optional; nil = no affinity
	BucketID           *int          // optional; nil = no bucket
}

func (s *ConnectorSplit) SplitWeight() DataSize     { return s.Weight }
func (s *ConnectorSplit) Addresses() []HostAddress  { return s.HostAddresses }
func (s *ConnectorSplit) Catalog() CatalogHandle    { return s.CatalogHandleValue }
func (s *ConnectorSplit) Bucket() (int, bool) {
	if s.BucketID == nil {
		return 0, false
	}
	return *s.BucketID, true
}

// ExchangeSourceHandle is opaque to the scheduler; it is produced and
// interpreted by the Exchange implementation (spec §6). The scheduler
// only moves these values around and counts their reported byte size.
type ExchangeSourceHandle interface {
	// HandleByteSize is used by ArbitraryDistribution packing and
	// HashDistribution's adaptive joining byte cap.
	HandleByteSize() DataSize
}

// SpoolingExchangeInput wraps the exchange-source handles a downstream
// task reads from. It is carried as the payload of a RemoteSplit and, at
// the query level, as the shape of final query results (spec §4.2.5,
// §4.8 step 5).
type SpoolingExchangeInput struct {
	Handles []ExchangeSourceHandle
}

// RemoteSplit is the synthetic split every downstream partition gets for
// each upstream plan-node it consumes exchange input from. Its catalog
// handle is always RemoteCatalogHandle.
type RemoteSplit struct {
	Input SpoolingExchangeInput
}

func (s *RemoteSplit) SplitWeight() DataSize {
	var total DataSize
	for _, h := range s.Input.Handles {
		total += h.HandleByteSize()
	}
	return total
}
func (s *RemoteSplit) Addresses() []HostAddress { return nil }
func (s *RemoteSplit) Bucket() (int, bool)      { return 0, false }
func (s *RemoteSplit) Catalog() CatalogHandle   { return RemoteCatalogHandle }

// NewRemoteSplit builds the remote split for a set of handles destined to
// one downstream partition.
func NewRemoteSplit(handles []ExchangeSourceHandle) *RemoteSplit {
	return &RemoteSplit{Input: SpoolingExchangeInput{Handles: handles}}
}
