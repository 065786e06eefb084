// Package model defines the canonical market-data types shared by every
// component of the gateway.
//
// Conventions:
//   - Prices: decimal.Decimal in rupees (broker scales such as paise are removed by the codec)
//   - Quantities: int64 units
//   - Timestamps: time.Time, UTC
//   - Stream identity: StreamKey (exchange, symbol, mode), rendered "NSE:RELIANCE:LTP"
package model
