package workflow

// Engine bundles the workflow components over one set of stores.
type Engine struct {
	Resolver  *Resolver
	Quorum    *QuorumTracker
	Locator   *ApproverLocator
	Allocator *Allocator
}

// NewEngine wires the components.
func NewEngine(
	rules RuleSource,
	history HistoryLedger,
	special SpecialApproverSource,
	directory Directory,
	numbers DocumentNumberStore,
) *Engine {
	resolver := NewResolver(rules)
	return &Engine{
		Resolver:  resolver,
		Quorum:    NewQuorumTracker(resolver, history),
		Locator:   NewApproverLocator(resolver, special, directory),
		Allocator: NewAllocator(numbers),
	}
}
