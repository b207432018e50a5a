package triggerrpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/framesync/internal/correlate"
)

// Field numbers follow framesync/v1/trigger.proto:
//
//	message SubscribeRequest {
//	  string subscriber = 1;
//	  bool   skip_history = 2;
//	}
//	message TriggerMessage {
//	  uint64 trigger_id = 1;
//	  int64  hardware_timestamp_ns = 2;
//	  int64  publish_timestamp_ns = 3;
//	  bool   history = 4;
//	  bool   history_end = 5;
//	}

// SubscribeRequest opens a trigger stream.
type SubscribeRequest struct {
	Subscriber  string
	SkipHistory bool
}

// TriggerMessage carries one trigger, or the end-of-history marker when
// HistoryEnd is set.
type TriggerMessage struct {
	TriggerID  uint64
	HardwareNs int64
	PublishNs  int64
	History    bool
	HistoryEnd bool
}

// NewTriggerMessage wraps a trigger for the wire.
func NewTriggerMessage(t correlate.Trigger, history bool) *TriggerMessage {
	return &TriggerMessage{
		TriggerID:  t.ID,
		HardwareNs: t.HardwareNs,
		PublishNs:  t.PublishNs,
		History:    history,
	}
}

// Trigger unwraps the message.
func (m *TriggerMessage) Trigger() correlate.Trigger {
	return correlate.Trigger{ID: m.TriggerID, HardwareNs: m.HardwareNs, PublishNs: m.PublishNs}
}

type wireMessage interface {
	marshalWire(b []byte) []byte
	unmarshalWire(b []byte) error
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func (m *SubscribeRequest) marshalWire(b []byte) []byte {
	if m.Subscriber != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Subscriber)
	}
	return appendVarintField(b, 2, protowire.EncodeBool(m.SkipHistory))
}

func (m *SubscribeRequest) unmarshalWire(b []byte) error {
	*m = SubscribeRequest{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			m.Subscriber = s
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.SkipHistory = protowire.DecodeBool(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func (m *TriggerMessage) marshalWire(b []byte) []byte {
	b = appendVarintField(b, 1, m.TriggerID)
	b = appendVarintField(b, 2, uint64(m.HardwareNs))
	b = appendVarintField(b, 3, uint64(m.PublishNs))
	b = appendVarintField(b, 4, protowire.EncodeBool(m.History))
	return appendVarintField(b, 5, protowire.EncodeBool(m.HistoryEnd))
}

func (m *TriggerMessage) unmarshalWire(b []byte) error {
	*m = TriggerMessage{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.VarintType || num < 1 || num > 5 {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case 1:
			m.TriggerID = v
		case 2:
			m.HardwareNs = int64(v)
		case 3:
			m.PublishNs = int64(v)
		case 4:
			m.History = protowire.DecodeBool(v)
		case 5:
			m.HistoryEnd = protowire.DecodeBool(v)
		}
		return n
	})
}

// walkFields calls fn for each field; fn returns the bytes consumed from the
// value, or a negative protowire error code.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		n = fn(num, typ, b)
		if n < 0 {
			return fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
