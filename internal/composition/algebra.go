package composition

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/rawblock/cellar-engine/pkg/models"
)

// Pure integer apportionment over QuantifiedComposition.
//
// Every public function is total, deterministic, and referentially
// transparent. No floating point participates anywhere: fractional
// allocations are resolved with the largest-remainder method so that every
// attribute sums back to its source exactly, with ties broken by ascending
// share index.

// ErrInconsistentShares is returned by Distribute when the share quantities
// do not sum to the source quantity.
var ErrInconsistentShares = errors.New("share quantities do not sum to source quantity")

// ErrZeroWeights is returned by IntegerSplit when the weight vector is empty
// or sums to zero.
var ErrZeroWeights = errors.New("weight vector is empty or sums to zero")

// Acceptance declares which attribute policies a share (flow destination)
// accepts. Loss destinations skip value; gain destinations skip cost;
// everything else accepts all three.
type Acceptance struct {
	Physical bool
	Cost     bool
	Value    bool
}

// AcceptAll is the acceptance of an ordinary destination.
var AcceptAll = Acceptance{Physical: true, Cost: true, Value: true}

// Allows reports whether the acceptance admits the given policy.
func (a Acceptance) Allows(p models.AttributePolicy) bool {
	switch p {
	case models.PolicyCost:
		return a.Cost
	case models.PolicyValue:
		return a.Value
	default:
		return a.Physical
	}
}

// Share describes one destination of a Distribute call: its signed quantity
// and the attribute policies it accepts.
type Share struct {
	Qty     *big.Int
	Accepts Acceptance
}

// Distribute partitions every attribute of source proportionally across the
// shares that accept it. Share quantities must sum exactly to source.Qty.
// The i-th result has qty shares[i].Qty and unit source.Unit.
func Distribute(source models.QuantifiedComposition, shares []Share) ([]models.QuantifiedComposition, error) {
	sum := new(big.Int)
	for _, s := range shares {
		sum.Add(sum, s.Qty)
	}
	if sum.Cmp(source.Qty) != 0 {
		return nil, fmt.Errorf("%w: shares sum %s, source qty %s", ErrInconsistentShares, sum, source.Qty)
	}

	out := make([]models.QuantifiedComposition, len(shares))
	for i, s := range shares {
		out[i] = models.QuantifiedComposition{
			Qty:  new(big.Int).Set(s.Qty),
			Unit: source.Unit,
		}
	}

	for _, name := range sortedAttrNames(source.Attributes) {
		attr := source.Attributes[name]
		policy := models.PolicyOf(name)

		// Weight vector over accepting shares only; the rest receive zero
		// (i.e. the attribute stays absent on them).
		var accepted []int
		weights := make([]*big.Int, 0, len(shares))
		denom := new(big.Int)
		for i, s := range shares {
			if s.Accepts.Allows(policy) {
				accepted = append(accepted, i)
				weights = append(weights, s.Qty)
				denom.Add(denom, s.Qty)
			}
		}
		if len(accepted) == 0 || denom.Sign() == 0 {
			continue
		}

		if attr.IsScalar() {
			allocs := apportion(attr.Scalar, weights, denom)
			for j, idx := range accepted {
				if allocs[j].Sign() != 0 {
					setScalar(&out[idx], name, allocs[j])
				}
			}
			continue
		}

		for _, sub := range sortedSubNames(attr.Subs) {
			allocs := apportion(attr.Subs[sub], weights, denom)
			for j, idx := range accepted {
				if allocs[j].Sign() != 0 {
					setSub(&out[idx], name, sub, allocs[j])
				}
			}
		}
	}

	return out, nil
}

// Blend element-sums the quantities and every attribute of the given flows.
// All flows must agree on unit; the result takes the unit of the first flow.
// Missing keys are treated as zero, and zero-valued results are pruned so
// that blending is the exact inverse of distributing.
func Blend(flows []models.QuantifiedComposition) (models.QuantifiedComposition, error) {
	if len(flows) == 0 {
		return models.QuantifiedComposition{Qty: new(big.Int)}, nil
	}
	out := models.QuantifiedComposition{
		Qty:  new(big.Int),
		Unit: flows[0].Unit,
	}
	scalars := make(map[string]*big.Int)
	subs := make(map[string]map[string]*big.Int)

	for _, f := range flows {
		if f.Unit != out.Unit {
			return models.QuantifiedComposition{}, fmt.Errorf("blend unit mismatch: %s vs %s", out.Unit, f.Unit)
		}
		out.Qty.Add(out.Qty, f.Qty)
		for name, attr := range f.Attributes {
			if attr.IsScalar() {
				if _, clash := subs[name]; clash {
					return models.QuantifiedComposition{}, fmt.Errorf("attribute %q is scalar in one flow and sub-mapped in another", name)
				}
				acc, ok := scalars[name]
				if !ok {
					acc = new(big.Int)
					scalars[name] = acc
				}
				acc.Add(acc, attr.Scalar)
				continue
			}
			if _, clash := scalars[name]; clash {
				return models.QuantifiedComposition{}, fmt.Errorf("attribute %q is scalar in one flow and sub-mapped in another", name)
			}
			accSubs, ok := subs[name]
			if !ok {
				accSubs = make(map[string]*big.Int)
				subs[name] = accSubs
			}
			for sub, v := range attr.Subs {
				acc, ok := accSubs[sub]
				if !ok {
					acc = new(big.Int)
					accSubs[sub] = acc
				}
				acc.Add(acc, v)
			}
		}
	}

	for name, v := range scalars {
		if v.Sign() != 0 {
			setScalar(&out, name, v)
		}
	}
	for name, m := range subs {
		for sub, v := range m {
			if v.Sign() != 0 {
				setSub(&out, name, sub, v)
			}
		}
	}
	return out, nil
}

// Scale converts a composition to a new total quantity and unit while
// preserving composition semantics: sub-mapped attributes (per-varietal
// volumes and their kin) are rescaled by targetQty/sourceQty with the
// largest-remainder discipline so their sums track the new quantity, while
// scalar attributes (monetary amounts, effectivePounds) carry through
// unchanged — converting pounds to gallons neither creates nor destroys
// dollars or fruit mass. Identity: Scale(c, c.Qty, c.Unit) == c.
func Scale(c models.QuantifiedComposition, targetQty *big.Int, targetUnit models.Unit) models.QuantifiedComposition {
	out := models.QuantifiedComposition{
		Qty:  new(big.Int).Set(targetQty),
		Unit: targetUnit,
	}
	if c.Qty.Sign() == 0 {
		// Nothing to apportion against; scalar attributes still carry over.
		for name, attr := range c.Attributes {
			if attr.IsScalar() {
				setScalar(&out, name, attr.Scalar)
			}
		}
		return out
	}

	for _, name := range sortedAttrNames(c.Attributes) {
		attr := c.Attributes[name]
		if attr.IsScalar() {
			setScalar(&out, name, attr.Scalar)
			continue
		}
		// Scaled attribute total, floor-exact: when the sub-amounts sum to
		// the source quantity this is exactly targetQty.
		total := new(big.Int)
		for _, v := range attr.Subs {
			total.Add(total, v)
		}
		scaledTotal := floorDiv(new(big.Int).Mul(total, targetQty), c.Qty)

		subNames := sortedSubNames(attr.Subs)
		weights := make([]*big.Int, len(subNames))
		for i, sub := range subNames {
			weights[i] = attr.Subs[sub]
		}
		allocs := apportion(scaledTotal, weights, total)
		for i, sub := range subNames {
			if allocs[i].Sign() != 0 {
				setSub(&out, name, sub, allocs[i])
			}
		}
	}
	return out
}

// Equals compares quantity, unit, and every attribute of two compositions.
// Absent attributes and zero amounts are interchangeable, matching Blend's
// missing-keys-are-zero rule.
func Equals(a, b models.QuantifiedComposition) bool {
	if a.Unit != b.Unit || a.Qty.Cmp(b.Qty) != 0 {
		return false
	}
	names := make(map[string]struct{}, len(a.Attributes)+len(b.Attributes))
	for n := range a.Attributes {
		names[n] = struct{}{}
	}
	for n := range b.Attributes {
		names[n] = struct{}{}
	}
	for n := range names {
		if !attrEquals(a.Attributes[n], b.Attributes[n]) {
			return false
		}
	}
	return true
}

func attrEquals(a, b models.Attribute) bool {
	if a.IsScalar() || b.IsScalar() {
		if len(a.Subs) > 0 || len(b.Subs) > 0 {
			return false
		}
		return scalarOrZero(a).Cmp(scalarOrZero(b)) == 0
	}
	subNames := make(map[string]struct{}, len(a.Subs)+len(b.Subs))
	for n := range a.Subs {
		subNames[n] = struct{}{}
	}
	for n := range b.Subs {
		subNames[n] = struct{}{}
	}
	for n := range subNames {
		if valOrZero(a.Subs[n]).Cmp(valOrZero(b.Subs[n])) != 0 {
			return false
		}
	}
	return true
}

func scalarOrZero(a models.Attribute) *big.Int {
	if a.Scalar != nil {
		return a.Scalar
	}
	return new(big.Int)
}

func valOrZero(v *big.Int) *big.Int {
	if v != nil {
		return v
	}
	return new(big.Int)
}

// IntegerSplit partitions total across weights by largest remainder so that
// the amounts sum exactly to total. The weight vector must be non-empty with
// a non-zero sum.
func IntegerSplit(total *big.Int, weights []*big.Int) ([]*big.Int, error) {
	denom := new(big.Int)
	for _, w := range weights {
		denom.Add(denom, w)
	}
	if len(weights) == 0 || denom.Sign() == 0 {
		return nil, ErrZeroWeights
	}
	return apportion(total, weights, denom), nil
}

// apportion allocates total across weights (denominator denom = Σweights from
// the caller's accepted subset) so the allocations sum exactly to total:
// floor of the true rational per weight, then the residual distributed one
// unit at a time to the largest fractional remainders, ties by index order.
func apportion(total *big.Int, weights []*big.Int, denom *big.Int) []*big.Int {
	n := len(weights)
	allocs := make([]*big.Int, n)
	fracs := make([]*big.Int, n)
	assigned := new(big.Int)

	for i, w := range weights {
		num := new(big.Int).Mul(total, w)
		q := floorDiv(num, denom)
		allocs[i] = q
		// Fractional remainder numerator over |denom|, in [0, |denom|).
		f := new(big.Int).Sub(num, new(big.Int).Mul(q, denom))
		fracs[i] = f.Abs(f)
		assigned.Add(assigned, q)
	}

	residual := new(big.Int).Sub(total, assigned)
	if residual.Sign() == 0 {
		return allocs
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return fracs[order[a]].Cmp(fracs[order[b]]) > 0
	})

	one := big.NewInt(int64(residual.Sign()))
	steps := new(big.Int).Abs(residual)
	for i := 0; steps.Sign() > 0; i = (i + 1) % n {
		allocs[order[i]].Add(allocs[order[i]], one)
		steps.Sub(steps, big.NewInt(1))
	}
	return allocs
}

// floorDiv is mathematical floor division (Quo truncates toward zero).
func floorDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 && (r.Sign() < 0) != (den.Sign() < 0) {
		q.Sub(q, big.NewInt(1))
	}
	return q
}

func setScalar(c *models.QuantifiedComposition, name string, v *big.Int) {
	if c.Attributes == nil {
		c.Attributes = make(map[string]models.Attribute)
	}
	c.Attributes[name] = models.Attribute{Scalar: new(big.Int).Set(v)}
}

func setSub(c *models.QuantifiedComposition, name, sub string, v *big.Int) {
	if c.Attributes == nil {
		c.Attributes = make(map[string]models.Attribute)
	}
	attr, ok := c.Attributes[name]
	if !ok {
		attr = models.Attribute{Subs: make(map[string]*big.Int)}
		c.Attributes[name] = attr
	}
	attr.Subs[sub] = new(big.Int).Set(v)
}

func sortedAttrNames(attrs map[string]models.Attribute) []string {
	names := make([]string, 0, len(attrs))
	for n := range attrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedSubNames(subs map[string]*big.Int) []string {
	names := make([]string, 0, len(subs))
	for n := range subs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
