// Package codec converts between typed Go values and the tree values that
// stores persist.
//
// A tree is the store-native shape of a value: maps keyed by string, ordered
// lists, and scalar leaves (string, bool, int64, float64, []byte). Structured
// values are stored as maps from field name to field value with no envelope,
// so anything reading the store directly sees an inspectable structure.
//
// # Usage
//
//	type Prefs struct {
//	    Theme string `json:"theme"`
//	    Size  int    `json:"size"`
//	}
//
//	c := codec.JSON[Prefs]()
//	tree, _ := c.Encode(Prefs{Theme: "dark", Size: 12})
//	// tree == map[string]any{"theme": "dark", "size": float64(12)}
//
//	back, _ := c.Decode(tree)
//
// Types that know their own tree form implement Marshaler and Unmarshaler;
// For picks that codec for them and falls back to JSON otherwise.
package codec
