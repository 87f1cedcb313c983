// Package definition loads quest definition files written in YAML, JSON or
// CUE. Every format is converted to JSON and checked against the embedded
// schema before it becomes an engine.QuestSpec.
package definition

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"questline/internal/asset"
	"questline/internal/domain"
	"questline/internal/engine"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported definition file %q (want .yaml, .json or .cue)", path)
	}
}

//go:embed schema/quest.json
var schemaJSON []byte

const schemaURL = "quest.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse quest schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add quest schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// SchemaError is one schema violation at a JSON pointer.
type SchemaError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e SchemaError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// InvalidError lists every schema violation of a definition.
type InvalidError struct {
	Errors []SchemaError
}

func (e *InvalidError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, se := range e.Errors {
		parts = append(parts, se.String())
	}
	return "invalid quest definition: " + strings.Join(parts, "; ")
}

func collect(ve *jsonschema.ValidationError) []SchemaError {
	if len(ve.Causes) == 0 {
		path := ""
		if len(ve.InstanceLocation) > 0 {
			path = "/" + strings.Join(ve.InstanceLocation, "/")
		}
		return []SchemaError{{Path: path, Message: ve.Error()}}
	}
	var out []SchemaError
	for _, c := range ve.Causes {
		out = append(out, collect(c)...)
	}
	return out
}

// ToJSON converts a definition in any supported format to JSON.
func ToJSON(data []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return data, nil
	case FormatYAML:
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		return json.Marshal(doc)
	case FormatCUE:
		v := cuecontext.New().CompileBytes(data)
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("compile cue: %w", err)
		}
		if err := v.Validate(cue.Concrete(true)); err != nil {
			return nil, fmt.Errorf("cue value is not concrete: %w", err)
		}
		return v.MarshalJSON()
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// Validate checks a JSON definition against the quest schema.
func Validate(jsonDoc []byte) error {
	sch, err := compiled()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonDoc))
	if err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return &InvalidError{Errors: collect(ve)}
		}
		return err
	}
	return nil
}

type document struct {
	Title    string       `json:"title"`
	Start    any          `json:"start"`
	End      any          `json:"end"`
	Formula  []nodeDoc    `json:"formula"`
	Outcomes []outcomeDoc `json:"outcomes"`
}

type nodeDoc struct {
	ID       uint32   `json:"id"`
	Leaf     bool     `json:"leaf"`
	Handler  string   `json:"handler"`
	Operator string   `json:"operator"`
	Left     uint32   `json:"left"`
	Right    uint32   `json:"right"`
	Data     []string `json:"data"`
}

type outcomeDoc struct {
	Kind     string `json:"kind"`
	Asset    string `json:"asset"`
	From     string `json:"from"`
	Amount   any    `json:"amount"`
	TokenID  any    `json:"token_id"`
	Selector string `json:"selector"`
	CallData string `json:"call_data"`
	Capacity uint64 `json:"capacity"`
}

// Parse turns a definition into a quest spec. Relative times ("+1h") are
// measured from now for start and from start for end.
func Parse(data []byte, format Format, now time.Time) (engine.QuestSpec, error) {
	raw, err := ToJSON(data, format)
	if err != nil {
		return engine.QuestSpec{}, err
	}
	if err := Validate(raw); err != nil {
		return engine.QuestSpec{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return engine.QuestSpec{}, fmt.Errorf("decode definition: %w", err)
	}
	return doc.spec(now)
}

// LoadFile reads and parses a definition file.
func LoadFile(path string, now time.Time) (engine.QuestSpec, error) {
	format, err := FormatOf(path)
	if err != nil {
		return engine.QuestSpec{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.QuestSpec{}, err
	}
	spec, err := Parse(data, format, now)
	if err != nil {
		return engine.QuestSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

func (d document) spec(now time.Time) (engine.QuestSpec, error) {
	start, err := parseTime(d.Start, now)
	if err != nil {
		return engine.QuestSpec{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseTime(d.End, time.Unix(start, 0))
	if err != nil {
		return engine.QuestSpec{}, fmt.Errorf("end: %w", err)
	}
	spec := engine.QuestSpec{Title: d.Title, Start: start, End: end}
	for _, n := range d.Formula {
		node, err := n.node()
		if err != nil {
			return engine.QuestSpec{}, fmt.Errorf("formula node %d: %w", n.ID, err)
		}
		spec.Formula = append(spec.Formula, node)
	}
	for i, o := range d.Outcomes {
		out, err := o.outcome()
		if err != nil {
			return engine.QuestSpec{}, fmt.Errorf("outcome %d: %w", i, err)
		}
		spec.Outcomes = append(spec.Outcomes, out)
	}
	return spec, nil
}

func (n nodeDoc) node() (domain.FormulaNode, error) {
	out := domain.FormulaNode{ID: n.ID, Leaf: n.Leaf, Left: n.Left, Right: n.Right}
	if n.Leaf {
		out.Handler = common.HexToAddress(n.Handler)
		for _, w := range n.Data {
			b, err := hexutil.Decode(w)
			if err != nil {
				return out, fmt.Errorf("data %q: %w", w, err)
			}
			out.Data = append(out.Data, b)
		}
		return out, nil
	}
	if err := out.Operator.UnmarshalText([]byte(n.Operator)); err != nil {
		return out, err
	}
	return out, nil
}

func (o outcomeDoc) outcome() (domain.Outcome, error) {
	out := domain.Outcome{Limited: o.Capacity > 0, Capacity: o.Capacity}
	switch o.Kind {
	case "native":
		amount, err := bigValue(o.Amount)
		if err != nil {
			return out, fmt.Errorf("amount: %w", err)
		}
		if !amount.IsUint64() {
			return out, fmt.Errorf("native amount %s exceeds 64 bits", amount)
		}
		out.Native = true
		out.NativeAmount = amount.Uint64()
	case "erc20":
		amount, err := bigValue(o.Amount)
		if err != nil {
			return out, fmt.Errorf("amount: %w", err)
		}
		out.Asset = common.HexToAddress(o.Asset)
		out.Selector = asset.SelectorTransferFrom
		out.CallData = asset.Encode(asset.SelectorTransferFrom, common.HexToAddress(o.From), common.Address{}, amount)
	case "erc721":
		id, err := bigValue(o.TokenID)
		if err != nil {
			return out, fmt.Errorf("token_id: %w", err)
		}
		out.Asset = common.HexToAddress(o.Asset)
		out.Selector = asset.SelectorSafeTransferFrom
		out.CallData = asset.Encode(asset.SelectorSafeTransferFrom, common.HexToAddress(o.From), common.Address{}, id)
	case "call":
		sel, err := hexutil.Decode(o.Selector)
		if err != nil {
			return out, fmt.Errorf("selector: %w", err)
		}
		data, err := hexutil.Decode(o.CallData)
		if err != nil {
			return out, fmt.Errorf("call_data: %w", err)
		}
		out.Asset = common.HexToAddress(o.Asset)
		out.Selector = sel
		out.CallData = data
	default:
		return out, fmt.Errorf("unknown outcome kind %q", o.Kind)
	}
	return out, nil
}

func bigValue(v any) (*big.Int, error) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = x
	default:
		return nil, fmt.Errorf("expected a number, got %T", v)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid unsigned integer %q", s)
	}
	return n, nil
}

// parseTime accepts unix seconds, RFC3339, or "+<duration>" relative to base.
func parseTime(v any, base time.Time) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid unix time %q", x)
		}
		return n, nil
	case string:
		if rel, ok := strings.CutPrefix(x, "+"); ok {
			d, err := time.ParseDuration(rel)
			if err != nil {
				return 0, fmt.Errorf("invalid offset %q: %w", x, err)
			}
			return base.Add(d).Unix(), nil
		}
		t, err := time.Parse(time.RFC3339, x)
		if err != nil {
			return 0, fmt.Errorf("invalid time %q: %w", x, err)
		}
		if t.Unix() < 0 {
			return 0, fmt.Errorf("time %q is before the unix epoch", x)
		}
		return t.Unix(), nil
	default:
		return 0, fmt.Errorf("expected unix seconds or a time string, got %T", v)
	}
}
