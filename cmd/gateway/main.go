// gateway multiplexes broker market-data feeds to websocket clients.
//
// Usage:
//
//	gateway serve --config configs/gateway.yaml
//	gateway check-config --config configs/gateway.yaml
//	gateway instruments import --broker zerodha --file master.csv
//	gateway version
package main

import (
	"os"

	_ "github.com/marketcalls/openalgo-sub010/internal/broker/angelone"
	_ "github.com/marketcalls/openalgo-sub010/internal/broker/dhan"
	_ "github.com/marketcalls/openalgo-sub010/internal/broker/shoonya"
	_ "github.com/marketcalls/openalgo-sub010/internal/broker/upstox"
	_ "github.com/marketcalls/openalgo-sub010/internal/broker/zerodha"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
