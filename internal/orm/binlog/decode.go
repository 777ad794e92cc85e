package binlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedOp is returned for change records the decoders do not map to
// a row change
var ErrUnsupportedOp = errors.New("binlog: unsupported change operation")

// DecodeError wraps a failure to decode a captured message. Retrying the
// message cannot succeed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// Change is one decoded row change
type Change struct {
	Table  string
	Before map[string]interface{}
	After  map[string]interface{}
}

// Decoder turns one captured message into a change. A nil change with a nil
// error means the message carries nothing to accept.
type Decoder func(data []byte) (*Change, error)

// Decoders by format name
var Decoders = map[string]Decoder{
	"debezium": DecodeDebezium,
	"maxwell":  DecodeMaxwell,
}

// AcceptChange decodes data and accepts the resulting change
func (a *Acceptor) AcceptChange(ctx context.Context, decode Decoder, data []byte) error {
	c, err := decode(data)
	if err != nil {
		return &DecodeError{Err: err}
	}
	if c == nil {
		return nil
	}
	return a.Accept(ctx, c.Table, c.Before, c.After)
}

type debeziumPayload struct {
	Op     string                 `json:"op"`
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Source struct {
		Table string `json:"table"`
	} `json:"source"`
}

// DecodeDebezium decodes a Debezium change event, with or without the schema
// envelope. Snapshot reads are inserts; tombstones decode to nil.
func DecodeDebezium(data []byte) (*Change, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var envelope map[string]json.RawMessage
	if err := unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse debezium message: %w", err)
	}
	raw := data
	if payload, ok := envelope["payload"]; ok {
		raw = bytes.TrimSpace(payload)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return nil, nil
		}
	}

	var p debeziumPayload
	if err := unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse debezium payload: %w", err)
	}
	if p.Source.Table == "" {
		return nil, errors.New("binlog: debezium payload has no source table")
	}

	c := &Change{Table: p.Source.Table}
	switch p.Op {
	case "c", "r":
		c.After = p.After
	case "u":
		// without full replica identity the before image is missing
		c.Before, c.After = p.Before, p.After
		if c.Before == nil {
			c.Before = map[string]interface{}{}
		}
	case "d":
		c.Before = p.Before
	default:
		return nil, fmt.Errorf("%w %q (debezium)", ErrUnsupportedOp, p.Op)
	}
	return c, nil
}

type maxwellMessage struct {
	Table string                 `json:"table"`
	Type  string                 `json:"type"`
	Data  map[string]interface{} `json:"data"`
	Old   map[string]interface{} `json:"old"`
}

// DecodeMaxwell decodes a Maxwell row event. The old map of an update only
// holds the changed columns, so the before image is old laid over data.
// Bootstrap markers decode to nil.
func DecodeMaxwell(data []byte) (*Change, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var m maxwellMessage
	if err := unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse maxwell message: %w", err)
	}

	switch m.Type {
	case "bootstrap-start", "bootstrap-complete":
		return nil, nil
	}
	if m.Table == "" {
		return nil, errors.New("binlog: maxwell message has no table")
	}

	c := &Change{Table: m.Table}
	switch m.Type {
	case "insert", "bootstrap-insert":
		c.After = m.Data
	case "update":
		before := make(map[string]interface{}, len(m.Data))
		for k, v := range m.Data {
			before[k] = v
		}
		for k, v := range m.Old {
			before[k] = v
		}
		c.Before, c.After = before, m.Data
	case "delete":
		c.Before = m.Data
	default:
		return nil, fmt.Errorf("%w %q (maxwell)", ErrUnsupportedOp, m.Type)
	}
	return c, nil
}

// unmarshal keeps numbers as json.Number so large identifiers survive
func unmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
