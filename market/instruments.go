// market/instruments.go
package market

type InstrumentMeta struct {
	Name     string
	TickSize float64
	QtyStep  float64
	MinQty   float64
}

// Instruments carries static metadata for symbols the terminal
// back-end reports no tick size for. Unknown symbols fall back to
// DefaultTickSize.
var Instruments = map[string]InstrumentMeta{
	"EURUSD": {
		Name:     "EURUSD",
		TickSize: 0.00001,
		QtyStep:  0.01,
		MinQty:   0.01,
	},
	"USDJPY": {
		Name:     "USDJPY",
		TickSize: 0.001,
		QtyStep:  0.01,
		MinQty:   0.01,
	},
	"XAUUSD": {
		Name:     "XAUUSD",
		TickSize: 0.01,
		QtyStep:  0.01,
		MinQty:   0.01,
	},
	"BTCUSDT": {
		Name:     "BTCUSDT",
		TickSize: 0.1,
		QtyStep:  0.001,
		MinQty:   0.001,
	},
}

const DefaultTickSize = 0.01

// TickSizeFor returns the static tick size for a symbol, or
// DefaultTickSize when the symbol is unknown.
func TickSizeFor(symbol string) float64 {
	if m, ok := Instruments[symbol]; ok && m.TickSize > 0 {
		return m.TickSize
	}
	return DefaultTickSize
}

// RegisterTickSize overrides the static tick size for a symbol, for
// instruments the configuration knows better than the built-in table.
// Called once at startup, before any adapter runs.
func RegisterTickSize(symbol string, tick float64) {
	if tick <= 0 {
		return
	}
	m := Instruments[symbol]
	m.Name = symbol
	m.TickSize = tick
	Instruments[symbol] = m
}
