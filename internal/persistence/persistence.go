package persistence

// Persistence bundles the history stores so the engine can depend on a
// single abstraction. Either field may be nil.
type Persistence struct {
	Runs   RunStore
	Events EventStore
}
