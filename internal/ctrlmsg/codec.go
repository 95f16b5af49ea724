package ctrlmsg

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/satmac-simulator/internal/dama"
)

var (
	// ErrTruncated is returned for input that ends inside a field.
	ErrTruncated = errors.New("truncated control message")
	// ErrUnknownKind is returned for a kind tag this codec does not know.
	ErrUnknownKind = errors.New("unknown control message kind")
)

// Field 1 of every message is its kind; the rest are per kind. Unknown
// fields are skipped on decode.
const fieldKind protowire.Number = 1

type encoder []byte

func (e encoder) uint(n protowire.Number, v uint64) encoder {
	e = protowire.AppendTag(e, n, protowire.VarintType)
	return protowire.AppendVarint(e, v)
}

func (e encoder) sint(n protowire.Number, v int64) encoder {
	return e.uint(n, protowire.EncodeZigZag(v))
}

func (e encoder) boolean(n protowire.Number, v bool) encoder {
	return e.uint(n, protowire.EncodeBool(v))
}

func (e encoder) float(n protowire.Number, v float64) encoder {
	e = protowire.AppendTag(e, n, protowire.Fixed64Type)
	return protowire.AppendFixed64(e, math.Float64bits(v))
}

func (e encoder) str(n protowire.Number, v string) encoder {
	e = protowire.AppendTag(e, n, protowire.BytesType)
	return protowire.AppendString(e, v)
}

func (e encoder) nested(n protowire.Number, v []byte) encoder {
	e = protowire.AppendTag(e, n, protowire.BytesType)
	return protowire.AppendBytes(e, v)
}

type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

func (f field) int() int             { return int(f.u) }
func (f field) sint() int64          { return protowire.DecodeZigZag(f.u) }
func (f field) boolean() bool        { return protowire.DecodeBool(f.u) }
func (f field) float() float64       { return math.Float64frombits(f.u) }
func (f field) ut() dama.UtID        { return dama.UtID(f.b) }
func (f field) u32() uint32          { return uint32(f.u) }
func (f field) u8() uint8            { return uint8(f.u) }
func (f field) nanos() time.Duration { return time.Duration(protowire.DecodeZigZag(f.u)) }

func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrTruncated, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes a control message.
func Marshal(m Message) ([]byte, error) {
	e := encoder(nil).uint(fieldKind, uint64(m.Kind()))
	switch msg := m.(type) {
	case *Tbtp:
		e = e.uint(2, uint64(msg.Beam.Sat)).uint(3, uint64(msg.Beam.Beam)).
			uint(4, uint64(msg.SuperframeCounter)).uint(5, uint64(msg.Part))
		for _, a := range msg.Assignments {
			inner := encoder(nil).str(1, string(a.Ut)).uint(2, uint64(a.Frame)).
				uint(3, uint64(a.Carrier)).uint(4, uint64(a.StartSlot)).uint(5, uint64(a.SlotCount)).
				uint(6, uint64(a.Waveform)).uint(7, uint64(a.Rc)).boolean(8, a.Control)
			e = e.nested(6, inner)
		}
		for _, ra := range msg.RaChannels {
			inner := encoder(nil).uint(1, uint64(ra.Index)).uint(2, uint64(ra.Frame)).
				uint(3, uint64(ra.Carriers)).uint(4, uint64(ra.Slots)).boolean(5, ra.Logon)
			e = e.nested(7, inner)
		}
	case *Cr:
		r := msg.Request
		e = e.uint(2, uint64(msg.Beam.Sat)).uint(3, uint64(msg.Beam.Beam)).
			str(4, string(r.Ut)).sint(5, r.SentAt.UnixNano()).float(6, r.Cno)
		for _, el := range r.Elements {
			inner := encoder(nil).uint(1, uint64(el.Rc)).uint(2, uint64(el.Type)).uint(3, uint64(el.Value))
			e = e.nested(7, inner)
		}
	case *Ncr:
		e = e.uint(2, uint64(msg.Beam.Sat)).uint(3, uint64(msg.Beam.Beam)).uint(4, msg.Ticks)
	case *Logon:
		e = e.str(2, string(msg.Ut)).uint(3, uint64(msg.Beam.Sat)).uint(4, uint64(msg.Beam.Beam))
	case *LogonResponse:
		e = e.str(2, string(msg.Ut)).uint(3, uint64(msg.RaChannel))
	case *Logoff:
		e = e.str(2, string(msg.Ut))
	case *Cmt:
		e = e.str(2, string(msg.Ut)).sint(3, int64(msg.Correction))
	case *RaLoadControl:
		e = e.uint(2, uint64(msg.Beam.Sat)).uint(3, uint64(msg.Beam.Beam)).
			uint(4, uint64(msg.AllocationChannel)).uint(5, uint64(msg.BackoffProbability)).
			sint(6, int64(msg.BackoffTime))
	case *Timu:
		e = e.str(2, string(msg.Ut)).uint(3, uint64(msg.Beam.Sat)).uint(4, uint64(msg.Beam.Beam)).
			uint(5, uint64(msg.RaChannel))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, m.Kind())
	}
	return e, nil
}

// Unmarshal decodes a control message produced by Marshal.
func Unmarshal(b []byte) (Message, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
	}
	if num != fieldKind || typ != protowire.VarintType {
		return nil, fmt.Errorf("%w: message does not start with a kind", ErrUnknownKind)
	}
	kind, m := protowire.ConsumeVarint(b[n:])
	if m < 0 {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(m))
	}
	body := b[n+m:]

	switch Kind(kind) {
	case KindTbtp:
		return decodeTbtp(body)
	case KindCr:
		return decodeCr(body)
	case KindNcr:
		msg := &Ncr{}
		return msg, walk(body, func(f field) error {
			switch f.num {
			case 2:
				msg.Beam.Sat = f.u32()
			case 3:
				msg.Beam.Beam = f.u32()
			case 4:
				msg.Ticks = f.u
			}
			return nil
		})
	case KindLogon:
		msg := &Logon{}
		return msg, walk(body, func(f field) error {
			switch f.num {
			case 2:
				msg.Ut = f.ut()
			case 3:
				msg.Beam.Sat = f.u32()
			case 4:
				msg.Beam.Beam = f.u32()
			}
			return nil
		})
	case KindLogonResponse:
		msg := &LogonResponse{}
		return msg, walk(body, func(f field) error {
			switch f.num {
			case 2:
				msg.Ut = f.ut()
			case 3:
				msg.RaChannel = f.u32()
			}
			return nil
		})
	case KindLogoff:
		msg := &Logoff{}
		return msg, walk(body, func(f field) error {
			if f.num == 2 {
				msg.Ut = f.ut()
			}
			return nil
		})
	case KindCmt:
		msg := &Cmt{}
		return msg, walk(body, func(f field) error {
			switch f.num {
			case 2:
				msg.Ut = f.ut()
			case 3:
				msg.Correction = f.nanos()
			}
			return nil
		})
	case KindRaLoadControl:
		msg := &RaLoadControl{}
		return msg, walk(body, func(f field) error {
			switch f.num {
			case 2:
				msg.Beam.Sat = f.u32()
			case 3:
				msg.Beam.Beam = f.u32()
			case 4:
				msg.AllocationChannel = f.u8()
			case 5:
				msg.BackoffProbability = uint16(f.u)
			case 6:
				msg.BackoffTime = f.nanos()
			}
			return nil
		})
	case KindTimu:
		msg := &Timu{}
		return msg, walk(body, func(f field) error {
			switch f.num {
			case 2:
				msg.Ut = f.ut()
			case 3:
				msg.Beam.Sat = f.u32()
			case 4:
				msg.Beam.Beam = f.u32()
			case 5:
				msg.RaChannel = f.u32()
			}
			return nil
		})
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

func decodeTbtp(body []byte) (*Tbtp, error) {
	msg := &Tbtp{}
	err := walk(body, func(f field) error {
		switch f.num {
		case 2:
			msg.Beam.Sat = f.u32()
		case 3:
			msg.Beam.Beam = f.u32()
		case 4:
			msg.SuperframeCounter = f.u32()
		case 5:
			msg.Part = f.u8()
		case 6:
			var a TbtpAssignment
			if err := walk(f.b, func(g field) error {
				switch g.num {
				case 1:
					a.Ut = g.ut()
				case 2:
					a.Frame = g.u8()
				case 3:
					a.Carrier = g.int()
				case 4:
					a.StartSlot = g.int()
				case 5:
					a.SlotCount = g.int()
				case 6:
					a.Waveform = g.u32()
				case 7:
					a.Rc = g.u8()
				case 8:
					a.Control = g.boolean()
				}
				return nil
			}); err != nil {
				return fmt.Errorf("assignment: %w", err)
			}
			msg.Assignments = append(msg.Assignments, a)
		case 7:
			var ra RaChannelInfo
			if err := walk(f.b, func(g field) error {
				switch g.num {
				case 1:
					ra.Index = g.u32()
				case 2:
					ra.Frame = g.u8()
				case 3:
					ra.Carriers = g.int()
				case 4:
					ra.Slots = g.int()
				case 5:
					ra.Logon = g.boolean()
				}
				return nil
			}); err != nil {
				return fmt.Errorf("ra channel: %w", err)
			}
			msg.RaChannels = append(msg.RaChannels, ra)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeCr(body []byte) (*Cr, error) {
	msg := &Cr{}
	err := walk(body, func(f field) error {
		switch f.num {
		case 2:
			msg.Beam.Sat = f.u32()
		case 3:
			msg.Beam.Beam = f.u32()
		case 4:
			msg.Request.Ut = f.ut()
		case 5:
			msg.Request.SentAt = time.Unix(0, f.sint()).UTC()
		case 6:
			msg.Request.Cno = f.float()
		case 7:
			var el dama.CrElement
			if err := walk(f.b, func(g field) error {
				switch g.num {
				case 1:
					el.Rc = g.u8()
				case 2:
					el.Type = dama.CrType(g.u)
				case 3:
					el.Value = g.u32()
				}
				return nil
			}); err != nil {
				return fmt.Errorf("cr element: %w", err)
			}
			msg.Request.Elements = append(msg.Request.Elements, el)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
