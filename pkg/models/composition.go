package models

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Unit is the measurement basis of a quantity. All amounts are h-units:
// 1 h-unit = 1/10,000 of a gallon (or of a pound for weigh tags).
// Monetary amounts are integer cents-equivalents.
type Unit string

const (
	UnitGallons Unit = "gal"
	UnitPounds  Unit = "lbs"
	UnitDollars Unit = "$"
)

// Well-known attribute names with non-physical propagation behavior.
const (
	AttrRealDollars     = "realDollars"     // acquisition cost carried by the wine
	AttrNominalDollars  = "nominalDollars"  // book value carried on the ledger
	AttrEffectivePounds = "effectivePounds" // original fruit mass surviving a press
)

// AttributePolicy governs how an attribute propagates across flows.
type AttributePolicy int

const (
	// PolicyPhysical flows freely to any destination, including loss and gain.
	PolicyPhysical AttributePolicy = iota
	// PolicyCost follows physical loss but is never created by gains.
	PolicyCost
	// PolicyValue survives loss on the books but may change at gain containers.
	PolicyValue
)

// PolicyOf maps an attribute name to its propagation policy. Everything that
// is not one of the two monetary attributes is physical.
func PolicyOf(name string) AttributePolicy {
	switch name {
	case AttrRealDollars:
		return PolicyCost
	case AttrNominalDollars:
		return PolicyValue
	default:
		return PolicyPhysical
	}
}

// Attribute is a sum type: either a scalar integer amount, or a mapping from
// sub-name to integer amount (e.g. per-varietal volumes). Exactly one of the
// two fields is set.
type Attribute struct {
	Scalar *big.Int
	Subs   map[string]*big.Int
}

// ScalarAttr builds a scalar attribute from an int64 for convenience.
func ScalarAttr(v int64) Attribute {
	return Attribute{Scalar: big.NewInt(v)}
}

// SubAttr builds a sub-mapped attribute from int64 amounts.
func SubAttr(subs map[string]int64) Attribute {
	m := make(map[string]*big.Int, len(subs))
	for k, v := range subs {
		m[k] = big.NewInt(v)
	}
	return Attribute{Subs: m}
}

// IsScalar reports whether the attribute holds a single amount.
func (a Attribute) IsScalar() bool {
	return a.Scalar != nil
}

// Clone returns a deep copy.
func (a Attribute) Clone() Attribute {
	if a.Scalar != nil {
		return Attribute{Scalar: new(big.Int).Set(a.Scalar)}
	}
	m := make(map[string]*big.Int, len(a.Subs))
	for k, v := range a.Subs {
		m[k] = new(big.Int).Set(v)
	}
	return Attribute{Subs: m}
}

// MarshalJSON encodes a scalar as a bare number and a sub-map as an object.
func (a Attribute) MarshalJSON() ([]byte, error) {
	if a.Scalar != nil {
		return a.Scalar.MarshalJSON()
	}
	return json.Marshal(a.Subs)
}

// UnmarshalJSON accepts either a number or an object of numbers.
func (a *Attribute) UnmarshalJSON(data []byte) error {
	trimmed := trimLeadingSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty attribute value")
	}
	if trimmed[0] == '{' {
		subs := make(map[string]*big.Int)
		if err := json.Unmarshal(data, &subs); err != nil {
			return fmt.Errorf("invalid attribute sub-map: %v", err)
		}
		a.Scalar = nil
		a.Subs = subs
		return nil
	}
	n := new(big.Int)
	if err := n.UnmarshalJSON(trimmed); err != nil {
		return fmt.Errorf("invalid attribute amount: %v", err)
	}
	a.Scalar = n
	a.Subs = nil
	return nil
}

func trimLeadingSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t' || b[0] == '\n' || b[0] == '\r') {
		b = b[1:]
	}
	return b
}

// QuantifiedComposition is the value object embedded in container states and
// flow properties: a signed total quantity, its unit, and integer-valued
// attributes. Physical sub-mapped attributes sum to Qty; monetary attributes
// are independent scalars.
type QuantifiedComposition struct {
	Qty        *big.Int             `json:"qty"`
	Unit       Unit                 `json:"unit"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`
}

// EmptyComposition returns a zero-quantity composition in the given unit.
func EmptyComposition(unit Unit) QuantifiedComposition {
	return QuantifiedComposition{Qty: new(big.Int), Unit: unit}
}

// Clone returns a deep copy.
func (c QuantifiedComposition) Clone() QuantifiedComposition {
	out := QuantifiedComposition{Unit: c.Unit}
	if c.Qty != nil {
		out.Qty = new(big.Int).Set(c.Qty)
	} else {
		out.Qty = new(big.Int)
	}
	if len(c.Attributes) > 0 {
		out.Attributes = make(map[string]Attribute, len(c.Attributes))
		for name, attr := range c.Attributes {
			out.Attributes[name] = attr.Clone()
		}
	}
	return out
}

// Attr returns the named scalar attribute amount, or zero if absent.
func (c QuantifiedComposition) Attr(name string) *big.Int {
	if attr, ok := c.Attributes[name]; ok && attr.Scalar != nil {
		return attr.Scalar
	}
	return new(big.Int)
}

// SetAttr stores a scalar attribute, allocating the map on first use.
func (c *QuantifiedComposition) SetAttr(name string, v *big.Int) {
	if c.Attributes == nil {
		c.Attributes = make(map[string]Attribute)
	}
	c.Attributes[name] = Attribute{Scalar: new(big.Int).Set(v)}
}
