// market/contract.go
package market

import "fmt"

// Contract identifies a tradeable instrument. Symbol is the generic
// instrument symbol ("ES", "EUR_USD"), LocalSymbol the venue-qualified
// one ("ESZ6"). A zero LocalSymbol means the contract has not been
// qualified with the broker yet.
type Contract struct {
	Symbol      string
	LocalSymbol string
	Exchange    string
	Currency    string
}

func (c Contract) String() string {
	if c.LocalSymbol != "" && c.LocalSymbol != c.Symbol {
		return fmt.Sprintf("%s(%s)", c.Symbol, c.LocalSymbol)
	}
	return c.Symbol
}

// Qualified reports whether the broker has resolved the contract.
func (c Contract) Qualified() bool {
	return c.LocalSymbol != "" && c.Exchange != ""
}

type ContractMeta struct {
	Symbol     string
	Exchange   string
	Currency   string
	Multiplier float64
}

// Contracts is a static registry used by the simulated gateway to
// qualify contracts without a live broker connection.
var Contracts = map[string]ContractMeta{
	"ES": {
		Symbol:     "ES",
		Exchange:   "CME",
		Currency:   "USD",
		Multiplier: 50,
	},
	"NQ": {
		Symbol:     "NQ",
		Exchange:   "CME",
		Currency:   "USD",
		Multiplier: 20,
	},
	"EUR_USD": {
		Symbol:     "EUR_USD",
		Exchange:   "IDEALPRO",
		Currency:   "USD",
		Multiplier: 1,
	},
}
