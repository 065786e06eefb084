// streamtest connects to a running gateway and streams ticks to the console.
// Usage:
//
//	go run ./cmd/streamtest --url ws://localhost:8765/ws --token $TOKEN \
//	    --sub NSE:RELIANCE:LTP --sub NSE:INFY:Quote
//
// The token may also be given in the TICKMUX_TOKEN environment variable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketcalls/openalgo-sub010/internal/logging"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

type subList []string

func (s *subList) String() string     { return strings.Join(*s, ",") }
func (s *subList) Set(v string) error { *s = append(*s, v); return nil }

// frame is any server frame.
type frame struct {
	Type     string          `json:"type"`
	Status   string          `json:"status"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Reason   string          `json:"reason"`
	ClientID string          `json:"client_id"`
	StreamID string          `json:"stream_id"`
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Data     json.RawMessage `json:"data"`
}

func main() {
	url := flag.String("url", "ws://localhost:8765/ws", "gateway websocket url")
	token := flag.String("token", os.Getenv("TICKMUX_TOKEN"), "client token (jwt or api key)")
	verbose := flag.Bool("verbose", false, "print full tick JSON")
	var subs subList
	flag.Var(&subs, "sub", "stream to subscribe, EXCHANGE:SYMBOL[:MODE] (repeatable)")
	flag.Parse()

	logger, flush, err := logging.New(logging.Config{Level: "debug", Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer flush()

	if *token == "" || len(subs) == 0 {
		logger.Error("--token and at least one --sub are required")
		os.Exit(2)
	}
	keys := make([]model.StreamKey, 0, len(subs))
	for _, s := range subs {
		if strings.Count(s, ":") == 1 {
			s += ":LTP"
		}
		key, err := model.ParseStreamKey(s)
		if err != nil {
			logger.Error("invalid stream", "stream", s, "error", err)
			os.Exit(2)
		}
		keys = append(keys, key)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		logger.Error("failed to connect", "url", *url, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected", "url", *url)

	if err := conn.WriteJSON(map[string]string{"action": "authenticate", "token": *token}); err != nil {
		logger.Error("failed to send authenticate", "error", err)
		os.Exit(1)
	}
	for _, k := range keys {
		req := map[string]string{"action": "subscribe", "exchange": k.Exchange, "symbol": k.Symbol, "mode": k.Mode.String()}
		if err := conn.WriteJSON(req); err != nil {
			logger.Error("failed to send subscribe", "stream", k, "error", err)
			os.Exit(1)
		}
	}

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
	)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for id, n := range counts {
					logger.Info("stats", "stream", id, "ticks", n)
				}
				mu.Unlock()
			}
		}
	}()

	// Unblock the reader on shutdown.
	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("connection closed", "error", err)
			}
			break
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("unparseable frame", "error", err, "raw", string(data))
			continue
		}

		switch f.Type {
		case "tick":
			var t model.Tick
			if err := json.Unmarshal(f.Data, &t); err != nil {
				logger.Warn("bad tick", "error", err)
				continue
			}
			id := model.StreamKey{Exchange: t.Exchange, Symbol: t.Symbol, Mode: t.Mode}.String()
			mu.Lock()
			counts[id]++
			mu.Unlock()
			if *verbose {
				out, _ := json.MarshalIndent(t, "", "  ")
				fmt.Printf("[TICK] %s\n", out)
			} else {
				fmt.Printf("[TICK] %s ltp=%s vol=%d bids=%d asks=%d\n", id, t.LTP, t.Volume, len(t.Bids), len(t.Asks))
			}
		case "heartbeat":
			conn.WriteJSON(map[string]string{"action": "pong"})
		case "auth":
			if f.Status != "ok" {
				logger.Error("authentication failed", "reason", f.Reason)
				os.Exit(1)
			}
			logger.Info("authenticated", "client_id", f.ClientID)
		default:
			if f.Status == "error" || f.Type == "error" {
				logger.Warn("server error", "type", f.Type, "code", f.Code, "message", f.Message, "stream", f.StreamID)
			} else {
				logger.Info("server reply", "type", f.Type, "status", f.Status, "stream", f.StreamID)
			}
		}
	}

	logger.Info("shutdown complete")
}
