package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Inbound actions.
const (
	actionAuthenticate = "authenticate"
	actionSubscribe    = "subscribe"
	actionUnsubscribe  = "unsubscribe"
	actionHeartbeat    = "heartbeat"
	actionPong         = "pong"
)

// request is any inbound control frame.
type request struct {
	Action   string          `json:"action"`
	Token    string          `json:"token,omitempty"`
	APIKey   string          `json:"api_key,omitempty"`
	Exchange string          `json:"exchange,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Mode     json.RawMessage `json:"mode,omitempty"`
}

// credential returns the token, accepting api_key as an alias.
func (r request) credential() string {
	if r.Token != "" {
		return r.Token
	}
	return r.APIKey
}

// mode accepts a mode name or number. A missing mode is LTP.
func (r request) mode() (model.Mode, error) {
	raw := bytes.TrimSpace(r.Mode)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return model.ModeLTP, nil
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: mode: %w", errInvalidRequest, err)
		}
	} else {
		s = string(raw)
	}
	return model.ParseMode(s)
}

// streamKey validates the addressed stream.
func (r request) streamKey() (model.StreamKey, error) {
	mode, err := r.mode()
	if err != nil {
		return model.StreamKey{}, err
	}
	key := model.NewStreamKey(r.Exchange, r.Symbol, mode)
	if err := key.Validate(); err != nil {
		return model.StreamKey{}, err
	}
	return key, nil
}

// Outbound frames.

type authReply struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

type streamReply struct {
	Type     string     `json:"type"`
	Status   string     `json:"status"`
	StreamID string     `json:"stream_id,omitempty"`
	Exchange string     `json:"exchange,omitempty"`
	Symbol   string     `json:"symbol,omitempty"`
	Mode     model.Mode `json:"mode,omitzero"`
	Code     string     `json:"code,omitempty"`
	Message  string     `json:"message,omitempty"`
}

type tickFrame struct {
	Type     string     `json:"type"`
	Exchange string     `json:"exchange"`
	Symbol   string     `json:"symbol"`
	Mode     model.Mode `json:"mode"`
	Data     model.Tick `json:"data"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

var heartbeatFrame = []byte(`{"type":"heartbeat"}`)

func okReply(action string, key model.StreamKey) streamReply {
	return streamReply{
		Type:     action,
		Status:   "ok",
		StreamID: key.String(),
		Exchange: key.Exchange,
		Symbol:   key.Symbol,
		Mode:     key.Mode,
	}
}

func errReply(action string, req request, err error) streamReply {
	return streamReply{
		Type:     action,
		Status:   "error",
		Exchange: req.Exchange,
		Symbol:   req.Symbol,
		Code:     codeFor(err),
		Message:  message(err),
	}
}
