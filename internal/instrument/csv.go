package instrument

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// ReadCSV parses a master-contract export with a header row. Recognised
// columns are symbol, brsymbol, name, exchange, brexchange, token, lotsize,
// instrumenttype and tick_size; others are ignored. symbol, exchange and
// token are required.
func ReadCSV(r io.Reader) ([]model.Instrument, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"symbol", "exchange", "token"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []model.Instrument
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		inst := model.Instrument{
			Exchange:       field(rec, "exchange"),
			Symbol:         field(rec, "symbol"),
			Name:           field(rec, "name"),
			Token:          field(rec, "token"),
			BrokerSymbol:   field(rec, "brsymbol"),
			BrokerExchange: field(rec, "brexchange"),
			InstrumentType: field(rec, "instrumenttype"),
		}
		if inst.Exchange == "" || inst.Symbol == "" || inst.Token == "" {
			return nil, fmt.Errorf("line %d: symbol, exchange and token are required", line)
		}
		if s := field(rec, "lotsize"); s != "" {
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: lotsize: %w", line, err)
			}
			inst.LotSize = int64(n)
		}
		if s := field(rec, "tick_size"); s != "" {
			inst.TickSize, err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: tick_size: %w", line, err)
			}
		}
		rows = append(rows, inst)
	}
	return rows, nil
}
