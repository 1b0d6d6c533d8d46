// README: Common value objects shared across modules (ids, money, coordinates).
package types

type ID string

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Percent returns p percent of m, rounded down to the minor unit.
func (m Money) Percent(p int64) Money {
	return Money{Amount: m.Amount * p / 100, Currency: m.Currency}
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}
