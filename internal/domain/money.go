package domain

import "strconv"

// Money is a signed amount in minor units of the organization's currency.
// For JPY one unit is one yen.
type Money int64

// Times scales a per-unit amount by a quantity.
func (m Money) Times(qty int) Money {
	return m * Money(qty)
}

func (m Money) String() string {
	return strconv.FormatInt(int64(m), 10)
}
