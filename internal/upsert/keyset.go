package upsert

// KeySet is a set of natural keys. It is not safe for concurrent use.
type KeySet map[string]struct{}

// NewKeySet builds a set from keys
func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether k is in the set. A nil set contains nothing.
func (s KeySet) Has(k string) bool {
	_, ok := s[k]
	return ok
}

// Add inserts k
func (s KeySet) Add(k string) {
	s[k] = struct{}{}
}

// Remove deletes k
func (s KeySet) Remove(k string) {
	delete(s, k)
}

// Len returns the number of keys
func (s KeySet) Len() int {
	return len(s)
}
