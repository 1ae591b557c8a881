// Package state provides the persistent stores that synced values are
// mirrored into.
//
// A Store holds trees (see package codec) under string keys, reads them
// synchronously, and notifies observers of every change to a key, whoever
// made it. Revisions order the changes within one store.
//
// # Backends
//
//   - MemoryStore: in-process, with a registered-defaults layer beneath
//     explicit values. Notifies synchronously on the writer's goroutine.
//   - NATSStore: a JetStream KV bucket. Changes arrive on a watch goroutine.
//   - DynamoStore: a DynamoDB table. Changes arrive through
//     HandleStreamEvent, fed from the table stream by a StreamPoller or a
//     Lambda trigger.
//   - FileStore: one TOML document on disk, reloaded on change.
//
// # Usage
//
//	store := state.NewMemoryStore()
//	store.RegisterDefaults(map[string]codec.Tree{"theme": "dark"})
//
//	sub, _ := store.Observe("theme", func(e state.Entry) {
//	    fmt.Println(e.Key, e.Present, e.Value)
//	})
//	defer sub.Cancel()
//
//	store.Set("theme", "light")
//	store.Delete("theme") // observers see "dark" again
package state
