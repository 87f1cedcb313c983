package definition

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/asset"
	"questline/internal/domain"
	"questline/internal/formula"
)

var now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFormatsAgree(t *testing.T) {
	var specs []string
	for _, name := range []string{"quest.yaml", "quest.json", "quest.cue"} {
		t.Run(name, func(t *testing.T) {
			spec, err := LoadFile(filepath.Join("testdata", name), now)
			require.NoError(t, err)

			assert.Equal(t, "Spring campaign", spec.Title)
			assert.Equal(t, now.Add(10*time.Minute).Unix(), spec.Start)
			assert.Equal(t, now.Add(10*time.Minute+24*time.Hour).Unix(), spec.End)
			require.NoError(t, formula.Validate(spec.Formula))
			require.Len(t, spec.Formula, 3)
			assert.Equal(t, domain.OpOr, spec.Formula[0].Operator)
			assert.Equal(t, common.HexToAddress("0x0901"), spec.Formula[1].Handler)
			require.Len(t, spec.Formula[1].Data, 1)
			assert.Equal(t, asset.EncodeAddress(common.HexToAddress("0x0201")), spec.Formula[1].Data[0])

			require.Len(t, spec.Outcomes, 3)
			assert.Equal(t, domain.Outcome{Native: true, NativeAmount: 5, Limited: true, Capacity: 100}, spec.Outcomes[0])

			erc20, err := asset.Decode(spec.Outcomes[1].CallData)
			require.NoError(t, err)
			assert.False(t, spec.Outcomes[1].Limited)
			assert.Equal(t, common.HexToAddress("0x0101"), erc20.From)
			want, _ := new(big.Int).SetString("1000000000000000000", 10)
			assert.Zero(t, want.Cmp(erc20.Value))

			nft, err := asset.Decode(spec.Outcomes[2].CallData)
			require.NoError(t, err)
			assert.True(t, nft.NonFungible())
			assert.Equal(t, int64(1), nft.Value.Int64())
			assert.Equal(t, uint64(10), spec.Outcomes[2].Capacity)

			specs = append(specs, spec.Outcomes[2].CallData.String())
		})
	}
	require.Len(t, specs, 3)
	assert.Equal(t, specs[0], specs[1])
	assert.Equal(t, specs[0], specs[2])
}

func TestSchemaErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join("testdata", "invalid.yaml"), now)
	require.Error(t, err)
	var inv *InvalidError
	require.True(t, errors.As(err, &inv))
	paths := map[string]bool{}
	for _, se := range inv.Errors {
		paths[se.Path] = true
	}
	assert.True(t, paths["/formula/0/operator"], "got %v", inv.Errors)
	assert.True(t, paths["/formula/1"], "got %v", inv.Errors)
	assert.True(t, paths["/outcomes/0"], "got %v", inv.Errors)
}

func TestParseTimes(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		want       [2]int64
		err        bool
	}{
		{"unix", "1767225600", "1767229200", [2]int64{1767225600, 1767229200}, false},
		{"rfc3339", `"2026-02-01T00:00:00Z"`, `"+1h"`, [2]int64{1769904000, 1769907600}, false},
		{"bad offset", `"+soon"`, `"+1h"`, [2]int64{}, true},
		{"bad time", `"tomorrow"`, `"+1h"`, [2]int64{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			doc := `{"start":` + tc.start + `,"end":` + tc.end + `,"formula":[{"id":1,"leaf":true,"handler":"0x0000000000000000000000000000000000000901"}],"outcomes":[{"kind":"native","amount":1}]}`
			spec, err := Parse([]byte(doc), FormatJSON, now)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, [2]int64{spec.Start, spec.End})
		})
	}
}

func TestRawCallOutcome(t *testing.T) {
	data := hexutil.Bytes(asset.Encode(asset.SelectorTransferFrom, common.HexToAddress("0x0101"), common.Address{}, big.NewInt(7)))
	doc := `{"start":0,"end":1,"formula":[{"id":1,"leaf":true,"handler":"0x0000000000000000000000000000000000000901"}],
"outcomes":[{"kind":"call","asset":"0x0000000000000000000000000000000000000801","selector":"0x23b872dd","call_data":"` + data.String() + `"}]}`
	spec, err := Parse([]byte(doc), FormatJSON, now)
	require.NoError(t, err)
	assert.Equal(t, data, spec.Outcomes[0].CallData)
	assert.NoError(t, asset.CheckOutcomeCall(spec.Outcomes[0].Selector, spec.Outcomes[0].CallData))
}

func TestFormatOf(t *testing.T) {
	for path, want := range map[string]Format{"a.yml": FormatYAML, "b.YAML": FormatYAML, "c.json": FormatJSON, "d.cue": FormatCUE} {
		got, err := FormatOf(path)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := FormatOf("quest.toml")
	assert.Error(t, err)
}

func TestCUEMustBeConcrete(t *testing.T) {
	_, err := Parse([]byte("start: int\nend: 1\n"), FormatCUE, now)
	assert.Error(t, err)
}
