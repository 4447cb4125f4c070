// Package taxonomy derives a post's broadcast filter bitmap from its
// location/product taxonomy paths. spec.md §3 names `filter` as a
// field of Post but leaves its derivation unspecified; this follows
// original_source's menu_parser.cpp, which assigns each taxonomy node
// a bit position from a location/product code table and ORs together
// the bits for every node on a post's two paths.
package taxonomy

// Encoder maps taxonomy node codes to bit positions in the 64-bit
// filter bitmap. Location codes and product codes are kept in
// disjoint halves of the bitmap (low 32 bits location, high 32 bits
// product) so a client can subscribe to a location-only or
// product-only filter without collisions.
type Encoder struct {
	locationBits map[int]uint
	productBits  map[int]uint
}

// NewEncoder builds an Encoder from two ordered code lists. Codes not
// present in either list contribute no bit (they still match an empty
// subscription filter, since an all-zero filter participates in no
// session's sub_channels list and is only rejected by features/ranges).
func NewEncoder(locationCodes, productCodes []int) *Encoder {
	e := &Encoder{
		locationBits: make(map[int]uint, len(locationCodes)),
		productBits:  make(map[int]uint, len(productCodes)),
	}
	for i, code := range locationCodes {
		if i >= 32 {
			break
		}
		e.locationBits[code] = uint(i)
	}
	for i, code := range productCodes {
		if i >= 32 {
			break
		}
		e.productBits[code] = uint(32 + i)
	}
	return e
}

// Filter derives the 64-bit broadcast filter from a post's taxonomy
// paths: to[0] is the location path, to[1] is the product path, each a
// list of node codes from root to leaf.
func (e *Encoder) Filter(to [2][]int) uint64 {
	var bits uint64
	for _, code := range to[0] {
		if b, ok := e.locationBits[code]; ok {
			bits |= 1 << b
		}
	}
	for _, code := range to[1] {
		if b, ok := e.productBits[code]; ok {
			bits |= 1 << b
		}
	}
	return bits
}

// DefaultEncoder is a small built-in table sufficient for tests and for
// deployments that have not yet loaded an operator-supplied taxonomy
// via the admin reload endpoint (internal/admin).
func DefaultEncoder() *Encoder {
	return NewEncoder(
		[]int{1, 2, 3, 4, 5, 6, 7, 8},
		[]int{1, 2, 3, 4, 5, 6, 7, 8},
	)
}
