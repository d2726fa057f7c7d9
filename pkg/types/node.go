package types

// HostAddress is a worker's dialable address (host:port).
type HostAddress string

// CatalogHandle identifies a connector/catalog instance a split or a node
// must support. RemoteCatalogHandle is the reserved sentinel carried by
// synthetic remote splits (see split.go).
type CatalogHandle string

// RemoteCatalogHandle marks a split as a remote-exchange reference rather
// than connector-backed data, per spec §4.2.5.
const RemoteCatalogHandle CatalogHandle = "$remote"

// NodeRequirement constrains which worker node a task attempt may run on.
// An empty Addresses set means any node is acceptable. A non-empty
// CatalogHandle means the node must host that catalog.
type NodeRequirement struct {
	CatalogHandle CatalogHandle
	Addresses     map[HostAddress]struct{}
}

// AnyAddress reports whether this requirement accepts any worker address.
func (r NodeRequirement) AnyAddress() bool {
	return len(r.Addresses) == 0
}

// Satisfies reports whether a candidate node address/catalog pair meets
// this requirement.
func (r NodeRequirement) Satisfies(addr HostAddress, catalogs map[CatalogHandle]struct{}) bool {
	if r.CatalogHandle != "" {
		if _, ok := catalogs[r.CatalogHandle]; !ok {
			return false
		}
	}
	if r.AnyAddress() {
		return true
	}
	_, ok := r.Addresses[addr]
	return ok
}

// SingleAddress builds a NodeRequirement pinned to one address, as used by
// coordinator-only SingleDistribution tasks and by SourceDistribution's
// host-affinity anchor.
func SingleAddress(addr HostAddress) NodeRequirement {
	return NodeRequirement{Addresses: map[HostAddress]struct{}{addr: {}}}
}

// InternalNode is the worker node identity a NodeLease eventually resolves
// to. Resource accounting (capacity, in-use memory) lives in the
// allocator, not here — this is the value handed back to callers.
type InternalNode struct {
	ID        string
	Address   HostAddress
	Catalogs  map[CatalogHandle]struct{}
	Coordinator bool
}
