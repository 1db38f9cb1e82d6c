package marketdata

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gocarina/gocsv"

	"papertrade/internal/models"
)

// ErrInstrumentNotFound is returned when a symbol or name matches nothing.
var ErrInstrumentNotFound = errors.New("instrument not found")

// InstrumentResolver maps a trading symbol or company name to its instrument.
type InstrumentResolver struct {
	bySymbol map[string]models.Instrument
	byName   map[string]models.Instrument
	count    int
}

// LoadInstruments reads an instrument master CSV from path.
func LoadInstruments(path string) (*InstrumentResolver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening instrument file: %w", err)
	}
	defer f.Close()
	return NewInstrumentResolver(f)
}

// NewInstrumentResolver reads an instrument master CSV with the columns
// instrument_key, tradingsymbol, name, exchange and lot_size.
func NewInstrumentResolver(r io.Reader) (*InstrumentResolver, error) {
	var rows []models.Instrument
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("parsing instrument file: %w", err)
	}

	res := &InstrumentResolver{
		bySymbol: make(map[string]models.Instrument, len(rows)),
		byName:   make(map[string]models.Instrument, len(rows)),
	}
	for _, in := range rows {
		if in.Key == "" || in.Symbol == "" {
			continue
		}
		res.bySymbol[normalizeSymbol(in.Symbol)] = in
		if in.Name != "" {
			name := strings.ToLower(strings.TrimSpace(in.Name))
			if _, dup := res.byName[name]; !dup {
				res.byName[name] = in
			}
		}
		res.count++
	}
	return res, nil
}

// Resolve looks up symbolOrName, first as a trading symbol, then as a name.
func (r *InstrumentResolver) Resolve(symbolOrName string) (models.Instrument, error) {
	if in, ok := r.bySymbol[normalizeSymbol(symbolOrName)]; ok {
		return in, nil
	}
	if in, ok := r.byName[strings.ToLower(strings.TrimSpace(symbolOrName))]; ok {
		return in, nil
	}
	return models.Instrument{}, fmt.Errorf("%q: %w", symbolOrName, ErrInstrumentNotFound)
}

// Len returns the number of instruments loaded.
func (r *InstrumentResolver) Len() int {
	return r.count
}
