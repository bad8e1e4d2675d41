// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

// Package transform converts sub-message payloads to domain values and back
// using the per-key metadata of a repository.
package transform

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"github.com/echoDaveD/ehs-sentinel/pkg/repository"
	"go.uber.org/zap"
)

// Transform errors
var (
	ErrValueDecode = errors.New("value decode failed")
	ErrValueEncode = errors.New("value encode failed")
	ErrNotWritable = errors.New("key is not writable")
)

// decimals is the precision numeric values are rounded to after a formula
const decimals = 3

type formulas struct {
	forward, reverse *Expression
}

// Engine decodes and encodes values for the keys of one repository
type Engine struct {
	repo     *repository.Repository
	formulas map[string]formulas
	logger   *zap.Logger
}

// NewEngine compiles every formula in repo. A formula that fails to compile
// is logged and the key falls back to raw integers.
func NewEngine(repo *repository.Repository, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	en := &Engine{repo: repo, formulas: make(map[string]formulas), logger: logger}

	for _, name := range repo.Names() {
		e, _ := repo.Lookup(name)
		var f formulas
		var err error
		if e.Arithmetic != "" {
			if f.forward, err = Compile(e.Arithmetic); err != nil {
				logger.Warn("ignoring arithmetic", zap.String("key", name), zap.Error(err))
			}
		}
		if e.ReverseArithmetic != "" {
			if f.reverse, err = Compile(e.ReverseArithmetic); err != nil {
				logger.Warn("ignoring reverse arithmetic", zap.String("key", name), zap.Error(err))
			}
		}
		if f.forward != nil || f.reverse != nil {
			en.formulas[name] = f
		}
	}
	return en
}

// Repository returns the metadata the engine was built from
func (en *Engine) Repository() *repository.Repository {
	return en.repo
}

// DecodeMessage resolves a sub-message to its key and decoded value
func (en *Engine) DecodeMessage(m nasa.Message) (*repository.Entry, Value, error) {
	e, err := en.repo.LookupAddress(m.Number)
	if err != nil {
		return nil, Value{}, err
	}
	v, err := en.Decode(e, m.Payload, m.Type())
	return e, v, err
}

// Decode converts a raw payload to a domain value
func (en *Engine) Decode(e *repository.Entry, payload []byte, mt nasa.MessageType) (Value, error) {
	if mt == nasa.MessageStructure {
		return Text(decodeStructure(payload)), nil
	}
	if len(payload) == 0 || len(payload) > 8 {
		return Value{}, fmt.Errorf("%w: %s: %d byte payload", ErrValueDecode, e.Name, len(payload))
	}

	msg := nasa.Message{Number: e.Address, Payload: payload}
	raw := msg.Int()

	value := float64(raw)
	if f := en.formulas[e.Name].forward; f != nil {
		out, err := f.Eval(value)
		if err != nil {
			en.logger.Warn("arithmetic failed, using raw value",
				zap.String("key", e.Name), zap.Int64("raw", raw), zap.Error(err))
		} else {
			value = out
		}
	}
	value = roundTo(value, decimals)

	if e.Type == repository.TypeEnum {
		code := int64(msg.Uint())
		if label, ok := e.Enum[code]; ok {
			return Text(label), nil
		}
		return Text(fmt.Sprintf("Unknown enum value: %d", code)), nil
	}
	return Number(value), nil
}

// decodeStructure renders printable payloads as trimmed text, anything else as
// the decimal digits of every byte
func decodeStructure(payload []byte) string {
	var interior []byte
	if len(payload) > 2 {
		interior = payload[1 : len(payload)-1]
	}

	printable := true
	for _, b := range interior {
		if !(b >= 0x20 && b <= 0x7E) && b != 0x00 && b != 0xFF {
			printable = false
			break
		}
	}

	var sb strings.Builder
	if printable {
		for _, b := range interior {
			if b == 0x00 || b == 0xFF {
				sb.WriteByte(' ')
			} else {
				sb.WriteByte(b)
			}
		}
		return strings.TrimSpace(sb.String())
	}

	for _, b := range payload {
		sb.WriteString(strconv.Itoa(int(b)))
	}
	return sb.String()
}

// Encode converts a textual value to the raw integer sent on the wire
func (en *Engine) Encode(e *repository.Entry, text string) (int64, error) {
	if e.MessageType() == nasa.MessageStructure {
		return 0, fmt.Errorf("%w: %s carries a structure", ErrNotWritable, e.Name)
	}

	text = strings.TrimSpace(text)
	if code, ok := e.EnumCode(text); ok {
		return code, nil
	}
	if e.Type == repository.TypeEnum && len(e.Enum) > 0 {
		if _, err := strconv.ParseInt(text, 0, 64); err != nil {
			return 0, fmt.Errorf("%w: %s: %q is not one of %v", ErrValueEncode, e.Name, text, e.EnumLabels())
		}
	}

	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q is not a number", ErrValueEncode, e.Name, text)
	}

	if f := en.formulas[e.Name].reverse; f != nil {
		if value, err = f.Eval(value); err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrValueEncode, e.Name, err)
		}
	}

	raw := int64(math.Round(value))
	if !nasa.FitsPayload(e.Address, raw) {
		return 0, fmt.Errorf("%w: %s: %d does not fit a %s payload", ErrValueEncode, e.Name, raw, e.MessageType())
	}
	return raw, nil
}

// EncodeMessage builds the sub-message that writes text to key e
func (en *Engine) EncodeMessage(e *repository.Entry, text string) (nasa.Message, error) {
	raw, err := en.Encode(e, text)
	if err != nil {
		return nasa.Message{}, err
	}
	return nasa.NewMessage(e.Address, raw)
}

// Expected returns the value the device should report after text is written,
// found by decoding the encoded payload.
func (en *Engine) Expected(e *repository.Entry, text string) (Value, error) {
	m, err := en.EncodeMessage(e, text)
	if err != nil {
		return Value{}, err
	}
	return en.Decode(e, m.Payload, m.Type())
}
