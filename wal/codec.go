package wal

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/dborchard/kvt/kverrors"
)

// OpKind is the first token of every WAL payload (spec.md §4.5).
type OpKind string

const (
	OpCreateTable         OpKind = "CREATE_TABLE"
	OpDropTable           OpKind = "DROP_TABLE"
	OpStartTransaction    OpKind = "START_TRANSACTION"
	OpCommitTransaction   OpKind = "COMMIT_TRANSACTION"
	OpRollbackTransaction OpKind = "ROLLBACK_TRANSACTION"
	OpSet                 OpKind = "SET"
	OpDel                 OpKind = "DEL"
	OpGet                 OpKind = "GET"
	OpScan                OpKind = "SCAN"
	OpProcess             OpKind = "PROCESS"
	OpRangeProcess        OpKind = "RANGE_PROCESS"
	OpBatchExecute        OpKind = "BATCH_EXECUTE"
)

// replayed lists the ops replay re-applies; everything else (GET, SCAN,
// PROCESS, RANGE_PROCESS, BATCH_EXECUTE) is recorded for audit only and
// skipped on replay because their effects were already logged via their
// component SET/DEL records.
func (k OpKind) replayed() bool {
	switch k {
	case OpCreateTable, OpDropTable, OpStartTransaction, OpCommitTransaction, OpRollbackTransaction, OpSet, OpDel:
		return true
	default:
		return false
	}
}

// Op is the decoded form of a WAL payload.
type Op struct {
	Kind    OpKind
	TxID    uint64
	TableID uint64

	Name      string // CREATE_TABLE
	Partition string // CREATE_TABLE

	Key   []byte // SET, DEL, GET
	Value []byte // SET
}

func (o Op) Replayed() bool { return o.Kind.replayed() }

// Codec turns Ops into WAL payloads and back. textMode selects hex
// escaping of raw byte fields (bytes in [0x21,0x7E] other than '\' pass
// through literally; space, backslash and everything outside that range
// become \xx) so a text-mode log stays one
// whitespace-tokenizable line per record; binary mode instead
// length-prefixes each raw field and skips escaping entirely.
type Codec struct {
	textMode bool
}

// NewCodec builds a Codec for the given framing mode.
func NewCodec(textMode bool) *Codec { return &Codec{textMode: textMode} }

func (c *Codec) Encode(op Op) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(op.Kind))

	switch op.Kind {
	case OpCreateTable:
		fmt.Fprintf(&buf, " %d", op.TableID)
		c.writeField(&buf, []byte(op.Name))
		c.writeField(&buf, []byte(op.Partition))
	case OpDropTable:
		fmt.Fprintf(&buf, " %d", op.TableID)
	case OpStartTransaction, OpCommitTransaction, OpRollbackTransaction:
		fmt.Fprintf(&buf, " %d", op.TxID)
	case OpSet:
		fmt.Fprintf(&buf, " %d %d", op.TxID, op.TableID)
		c.writeField(&buf, op.Key)
		c.writeField(&buf, op.Value)
	case OpDel, OpGet:
		fmt.Fprintf(&buf, " %d %d", op.TxID, op.TableID)
		c.writeField(&buf, op.Key)
	case OpScan, OpProcess, OpRangeProcess, OpBatchExecute:
		fmt.Fprintf(&buf, " %d %d", op.TxID, op.TableID)
	}
	return buf.Bytes()
}

func (c *Codec) writeField(buf *bytes.Buffer, field []byte) {
	buf.WriteByte(' ')
	if c.textMode {
		buf.WriteString(hexEscape(field))
		return
	}
	fmt.Fprintf(buf, "%d:", len(field))
	buf.Write(field)
}

// scanner walks a payload left to right. Kind and the numeric fields
// (TxID/TableID) are whitespace-delimited words, safe to tokenize
// blindly since they are always decimal digits; raw fields (key,
// value, name, partition) are not, since a binary-mode raw field can
// contain any byte, including ones strings.Fields would treat as a
// token boundary — those are instead consumed by their own declared
// length, never by scanning for the next space.
type scanner struct {
	data []byte
	pos  int
}

// word reads up to the next space or end of input.
func (s *scanner) word() string {
	start := s.pos
	for s.pos < len(s.data) && s.data[s.pos] != ' ' {
		s.pos++
	}
	return string(s.data[start:s.pos])
}

func (s *scanner) skipSpace() error {
	if s.pos >= len(s.data) || s.data[s.pos] != ' ' {
		return kverrors.New(kverrors.UnknownError, "malformed WAL payload: expected field separator at byte %d", s.pos)
	}
	s.pos++
	return nil
}

// Decode parses payload back into an Op. Every field is parsed for ops
// that replay() applies and for GET (whose key is decoded too); the other
// unreplayed ops (SCAN/PROCESS/RANGE_PROCESS/BATCH_EXECUTE) get only
// Kind/TxID/TableID, which is all they carry.
func (c *Codec) Decode(payload []byte) (Op, error) {
	s := &scanner{data: payload}
	kindTok := s.word()
	if kindTok == "" {
		return Op{}, kverrors.New(kverrors.UnknownError, "empty WAL payload")
	}
	op := Op{Kind: OpKind(kindTok)}

	parseUint := func() (uint64, error) {
		if err := s.skipSpace(); err != nil {
			return 0, err
		}
		tok := s.word()
		v, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return 0, kverrors.Wrap(kverrors.UnknownError, err, "malformed WAL field %q", tok)
		}
		return v, nil
	}

	switch op.Kind {
	case OpCreateTable:
		id, err := parseUint()
		if err != nil {
			return Op{}, err
		}
		op.TableID = id
		name, err := c.rawField(s)
		if err != nil {
			return Op{}, err
		}
		op.Name = string(name)
		partition, err := c.rawField(s)
		if err != nil {
			return Op{}, err
		}
		op.Partition = string(partition)
	case OpDropTable:
		id, err := parseUint()
		if err != nil {
			return Op{}, err
		}
		op.TableID = id
	case OpStartTransaction, OpCommitTransaction, OpRollbackTransaction:
		id, err := parseUint()
		if err != nil {
			return Op{}, err
		}
		op.TxID = id
	case OpSet:
		txID, err := parseUint()
		if err != nil {
			return Op{}, err
		}
		tableID, err := parseUint()
		if err != nil {
			return Op{}, err
		}
		key, err := c.rawField(s)
		if err != nil {
			return Op{}, err
		}
		value, err := c.rawField(s)
		if err != nil {
			return Op{}, err
		}
		op.TxID, op.TableID, op.Key, op.Value = txID, tableID, key, value
	case OpDel, OpGet:
		txID, err := parseUint()
		if err != nil {
			return Op{}, err
		}
		tableID, err := parseUint()
		if err != nil {
			return Op{}, err
		}
		key, err := c.rawField(s)
		if err != nil {
			return Op{}, err
		}
		op.TxID, op.TableID, op.Key = txID, tableID, key
	default:
		// Unreplayed compound marker: TxID/TableID if present, nothing else.
		if txID, err := parseUint(); err == nil {
			op.TxID = txID
			if tableID, err := parseUint(); err == nil {
				op.TableID = tableID
			}
		}
	}

	return op, nil
}

// rawField parses one field previously written by writeField, using
// this codec's own framing mode rather than guessing from the token's
// shape: binary mode reads the declared "N:" length prefix and then
// consumes exactly N raw bytes regardless of their content, so an
// embedded space, tab, or newline can never split the field; text mode
// reads a single hex-escaped (whitespace-free) word.
func (c *Codec) rawField(s *scanner) ([]byte, error) {
	if err := s.skipSpace(); err != nil {
		return nil, err
	}
	if c.textMode {
		return hexUnescape(s.word())
	}

	start := s.pos
	for s.pos < len(s.data) && s.data[s.pos] != ':' {
		s.pos++
	}
	if s.pos >= len(s.data) {
		return nil, kverrors.New(kverrors.UnknownError, "malformed binary WAL field: missing length prefix")
	}
	n, err := strconv.Atoi(string(s.data[start:s.pos]))
	if err != nil || n < 0 {
		return nil, kverrors.New(kverrors.UnknownError, "malformed binary WAL field length %q", string(s.data[start:s.pos]))
	}
	s.pos++ // skip ':'
	if s.pos+n > len(s.data) {
		return nil, kverrors.New(kverrors.UnknownError,
			"binary WAL field length mismatch: declared %d, only %d bytes remain", n, len(s.data)-s.pos)
	}
	field := make([]byte, n)
	copy(field, s.data[s.pos:s.pos+n])
	s.pos += n
	return field, nil
}

func hexEscape(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c == ' ' || c < 0x20 || c > 0x7E || c == '\\' {
			fmt.Fprintf(&sb, "\\%02x", c)
			continue
		}
		sb.WriteByte(c)
	}
	if sb.Len() == 0 {
		return "\\00-" // distinguish an empty field from no field at all
	}
	return sb.String()
}

func hexUnescape(s string) ([]byte, error) {
	if s == "\\00-" {
		return []byte{}, nil
	}
	var out bytes.Buffer
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			out.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return nil, kverrors.New(kverrors.UnknownError, "truncated hex escape in WAL field %q", s)
		}
		var v int
		if _, err := fmt.Sscanf(s[i+1:i+3], "%02x", &v); err != nil {
			return nil, kverrors.Wrap(kverrors.UnknownError, err, "malformed hex escape in WAL field %q", s)
		}
		out.WriteByte(byte(v))
		i += 2
	}
	return out.Bytes(), nil
}
