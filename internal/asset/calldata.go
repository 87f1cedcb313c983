// Package asset holds the reward call-data codec and a SQLite asset book that
// executes transfers and answers holdings queries.
package asset

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	selectorLen = 4
	wordLen     = 32

	// from, to, value
	transferArgs = 3
)

var (
	// transferFrom(address,address,uint256)
	SelectorTransferFrom = hexutil.MustDecode("0x23b872dd")
	// safeTransferFrom(address,address,uint256)
	SelectorSafeTransferFrom = hexutil.MustDecode("0x42842e0e")

	ErrShortCallData    = errors.New("call data too short")
	ErrUnsupportedCall  = errors.New("unsupported call selector")
	ErrSelectorMismatch = errors.New("call data does not start with the outcome selector")
	errWordOutOfRange   = errors.New("word index out of range")
)

// Call is a decoded transferFrom/safeTransferFrom.
type Call struct {
	Selector hexutil.Bytes
	From     common.Address
	To       common.Address
	// Value is the fungible amount or the token id.
	Value *big.Int
}

// NonFungible reports whether the call moves a single token id.
func (c Call) NonFungible() bool {
	return bytes.Equal(c.Selector, SelectorSafeTransferFrom)
}

// Word returns ABI word i of call data, after the selector.
func Word(data []byte, i int) ([]byte, error) {
	start := selectorLen + i*wordLen
	if i < 0 || len(data) < start+wordLen {
		return nil, errWordOutOfRange
	}
	return data[start : start+wordLen], nil
}

func setWord(data []byte, i int, word []byte) ([]byte, error) {
	if _, err := Word(data, i); err != nil {
		return nil, err
	}
	out := common.CopyBytes(data)
	copy(out[selectorLen+i*wordLen:], common.LeftPadBytes(word, wordLen))
	return out, nil
}

// ReplaceRecipient rewrites the `to` argument (word 1) with the participant.
func ReplaceRecipient(data []byte, to common.Address) ([]byte, error) {
	out, err := setWord(data, 1, to.Bytes())
	if err != nil {
		return nil, fmt.Errorf("replace recipient: %w", ErrShortCallData)
	}
	return out, nil
}

// ReplaceValue rewrites the amount/token id argument (word 2).
func ReplaceValue(data []byte, v *big.Int) ([]byte, error) {
	if v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("value %s out of uint256 range", v)
	}
	out, err := setWord(data, 2, v.Bytes())
	if err != nil {
		return nil, fmt.Errorf("replace value: %w", ErrShortCallData)
	}
	return out, nil
}

// Encode builds call data for one of the supported selectors.
func Encode(selector []byte, from, to common.Address, value *big.Int) []byte {
	out := make([]byte, 0, selectorLen+transferArgs*wordLen)
	out = append(out, selector...)
	out = append(out, common.LeftPadBytes(from.Bytes(), wordLen)...)
	out = append(out, common.LeftPadBytes(to.Bytes(), wordLen)...)
	out = append(out, common.LeftPadBytes(value.Bytes(), wordLen)...)
	return out
}

// Decode parses a supported transfer call.
func Decode(data []byte) (Call, error) {
	if len(data) < selectorLen+transferArgs*wordLen {
		return Call{}, ErrShortCallData
	}
	sel := data[:selectorLen]
	if !bytes.Equal(sel, SelectorTransferFrom) && !bytes.Equal(sel, SelectorSafeTransferFrom) {
		return Call{}, fmt.Errorf("%w: %s", ErrUnsupportedCall, hexutil.Encode(sel))
	}
	from, _ := Word(data, 0)
	to, _ := Word(data, 1)
	val, _ := Word(data, 2)
	return Call{
		Selector: common.CopyBytes(sel),
		From:     common.BytesToAddress(from),
		To:       common.BytesToAddress(to),
		Value:    new(big.Int).SetBytes(val),
	}, nil
}

// CheckOutcomeCall verifies that call data is a supported transfer whose
// selector matches the outcome's declared selector.
func CheckOutcomeCall(selector, data []byte) error {
	if len(data) < selectorLen || !bytes.Equal(data[:selectorLen], selector) {
		return ErrSelectorMismatch
	}
	_, err := Decode(data)
	return err
}

// AddressWord reads a 32-byte word as an address.
func AddressWord(word []byte) (common.Address, error) {
	if len(word) != wordLen {
		return common.Address{}, fmt.Errorf("address word must be %d bytes, got %d", wordLen, len(word))
	}
	return common.BytesToAddress(word), nil
}

// UintWord reads a 32-byte word as an unsigned integer.
func UintWord(word []byte) (*big.Int, error) {
	if len(word) != wordLen {
		return nil, fmt.Errorf("uint word must be %d bytes, got %d", wordLen, len(word))
	}
	return new(big.Int).SetBytes(word), nil
}

// EncodeAddress and EncodeUint produce single ABI words.
func EncodeAddress(a common.Address) hexutil.Bytes {
	return common.LeftPadBytes(a.Bytes(), wordLen)
}

func EncodeUint(v *big.Int) hexutil.Bytes {
	return common.LeftPadBytes(v.Bytes(), wordLen)
}

// EscrowAccount is the account that funds a quest's rewards. Outcomes spend
// from it: allowances and NFT approvals must name it as spender/operator and
// native rewards are paid from its balance.
func EscrowAccount(questID string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("questline.escrow"), []byte(questID)))
}
