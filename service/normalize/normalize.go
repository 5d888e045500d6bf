// Package normalize maps records with source-specific field names onto the
// canonical shapes used by the analysis core. Mappings are jq programs so a
// new source only needs a new expression.
package normalize

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/itchyny/gojq"
)

// TransferExpr maps the field names seen across transfer exports (explorer
// API dumps, indexer rows, our own Postgres rows) onto one object.
const TransferExpr = `{
  timestamp: (.timeStamp // .timestamp // .blockTimestamp // .block_time),
  txHash: (.hash // .txHash // .transactionHash // .tx_hash),
  from: (.from // .fromAddress // .from_address),
  to: (.to // .toAddress // .to_address),
  amount: ((.value // .amount // .rawAmount // .raw_amount) | if . == null then null else tostring end),
  decimals: (.tokenDecimal // .tokenDecimals // .token_decimals // .decimals)
}`

// Program is a compiled jq expression that yields one object per input.
type Program struct {
	source string
	code   *gojq.Code
}

// Compile parses and compiles expr.
func Compile(expr string) (*Program, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq expression: %w", err)
	}
	return &Program{source: expr, code: code}, nil
}

// MustCompile is Compile for package-level expressions.
func MustCompile(expr string) *Program {
	p, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Object runs the program against v and returns its first result, which
// must be an object. v must hold only jq-compatible values: maps, slices,
// strings, ints, float64s, booleans and nil.
func (p *Program) Object(ctx context.Context, v any) (map[string]any, error) {
	iter := p.code.RunWithContext(ctx, v)
	out, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("jq expression produced no output")
	}
	if err, isErr := out.(error); isErr {
		return nil, fmt.Errorf("jq evaluation failed: %w", err)
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("jq expression produced %T, want object", out)
	}
	return obj, nil
}

// Objects runs the program against v and returns every result. Each
// result must be an object.
func (p *Program) Objects(ctx context.Context, v any) ([]map[string]any, error) {
	iter := p.code.RunWithContext(ctx, v)
	var out []map[string]any
	for {
		next, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, isErr := next.(error); isErr {
			return nil, fmt.Errorf("jq evaluation failed: %w", err)
		}
		obj, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("jq expression produced %T, want object", next)
		}
		out = append(out, obj)
	}
}

// Match reports whether the program's first result is truthy for v.
func (p *Program) Match(ctx context.Context, v any) (bool, error) {
	iter := p.code.RunWithContext(ctx, v)
	out, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := out.(error); isErr {
		return false, fmt.Errorf("jq evaluation failed: %w", err)
	}
	switch b := out.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	default:
		return true, nil
	}
}

var transferProgram = MustCompile(TransferExpr)

// Transfer maps a raw document onto a TransferRecord. Fields that cannot be
// interpreted are left empty so that TransferRecord.Amount reports the
// record as malformed downstream. defaultDecimals is used when the document
// carries no decimals field.
func Transfer(ctx context.Context, doc map[string]any, defaultDecimals int32) (ledger.TransferRecord, error) {
	obj, err := transferProgram.Object(ctx, doc)
	if err != nil {
		return ledger.TransferRecord{}, err
	}
	rec := ledger.TransferRecord{
		TxHash:        stringField(obj["txHash"]),
		From:          strings.ToLower(stringField(obj["from"])),
		To:            strings.ToLower(stringField(obj["to"])),
		RawAmount:     stringField(obj["amount"]),
		TokenDecimals: defaultDecimals,
	}
	if ts, ok := Timestamp(obj["timestamp"]); ok {
		rec.Timestamp = ts
	}
	if d, ok := intField(obj["decimals"]); ok {
		if d < 0 || d > ledger.MaxTokenDecimals {
			// Out of range values must not wrap into a valid int32.
			d = -1
		}
		rec.TokenDecimals = int32(d)
	}
	return rec, nil
}

// Timestamp interprets v as unix seconds, unix milliseconds, a numeric
// string or an RFC 3339 string.
func Timestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), !t.IsZero()
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return unix(n), true
		}
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed.UTC(), true
	default:
		if n, ok := intField(v); ok {
			return unix(n), true
		}
	}
	return time.Time{}, false
}

func unix(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// String returns v as a trimmed string; nil becomes "".
func String(v any) string {
	return stringField(v)
}

// Int returns v as an int64 when it holds an integral number or numeric
// string.
func Int(v any) (int64, bool) {
	return intField(v)
}

func stringField(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func intField(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case *big.Int:
		if !n.IsInt64() {
			return 0, false
		}
		return n.Int64(), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}
