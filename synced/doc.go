// Package synced keeps typed values in step with keys of a persistent store.
//
// A Registry hands out one Value per (store, key). Every caller that opens the
// same key shares that Value and must use the same type for it. A Value reads
// its initial state from the store, writes through on every local change,
// and follows changes that others make to the key.
//
// # Confinement
//
// A Registry and its Values are confined to a Loop, a single goroutine that
// runs work in order. Store notifications arriving on other goroutines are
// handed to the loop before they touch any state. Listeners run on the loop,
// synchronously, right after the change they report.
//
// # Loop avoidance
//
// A store notifies observers of every write, including the Value's own. Those
// echoes are discarded in two ways: a flag covering the store call drops
// notifications delivered synchronously, and a revision watermark drops
// anything at or below the last revision the Value wrote or saw.
//
// # Usage
//
//	reg := synced.NewRegistry()
//	defer reg.Close()
//
//	store := state.NewMemoryStore()
//	theme := synced.Bind(reg, store, "prefs.theme", Theme{Name: "dark"})
//
//	theme.Set(Theme{Name: "light"})
//	for t := range theme.Values(ctx) {
//	    fmt.Println("theme is now", t.Name)
//	}
package synced
