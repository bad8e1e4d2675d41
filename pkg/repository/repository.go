// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

// Package repository holds the static protocol metadata: which message number
// carries which named value and how that value is transformed.
package repository

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/echoDaveD/ehs-sentinel/pkg/nasa"
	"gopkg.in/yaml.v3"
)

// Lookup errors
var (
	ErrUnknownKey     = errors.New("unknown key")
	ErrUnknownAddress = errors.New("unknown address")
)

// ValueType is the numeric type tag of a key
type ValueType string

// Value types
const (
	TypeVar  ValueType = "VAR"
	TypeEnum ValueType = "ENUM"
	TypeLVar ValueType = "LVAR"
	TypeStr  ValueType = "STR"
)

// Entry is the metadata of one key
type Entry struct {
	Name              string
	Address           uint16
	Type              ValueType
	Arithmetic        string
	ReverseArithmetic string
	Enum              map[int64]string
	Writable          bool
	Destination       nasa.AddressClass
	Description       string
	Unit              string
}

// MessageType returns the wire message type of the entry's address
func (e *Entry) MessageType() nasa.MessageType {
	return nasa.MessageTypeOf(e.Address)
}

// EnumCode returns the code whose label equals label
func (e *Entry) EnumCode(label string) (int64, bool) {
	for code, l := range e.Enum {
		if l == label {
			return code, true
		}
	}
	return 0, false
}

// EnumLabels returns the enum labels sorted by code
func (e *Entry) EnumLabels() []string {
	codes := make([]int64, 0, len(e.Enum))
	for c := range e.Enum {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	labels := make([]string, len(codes))
	for i, c := range codes {
		labels[i] = e.Enum[c]
	}
	return labels
}

// Repository indexes entries by name and by address. It is immutable once built.
type Repository struct {
	byName    map[string]*Entry
	byAddress map[uint16]*Entry
}

// rawEntry mirrors one key of the metadata file
type rawEntry struct {
	Address           string            `yaml:"address"`
	Type              string            `yaml:"type"`
	Arithmetic        string            `yaml:"arithmetic"`
	ReverseArithmetic string            `yaml:"reverse-arithmetic"`
	Enum              map[string]string `yaml:"enum"`
	Writable          bool              `yaml:"writable"`
	Destination       string            `yaml:"destination"`
	Description       string            `yaml:"description"`
	Unit              string            `yaml:"unit"`
}

// Load reads a metadata file. JSON files load too since JSON is valid YAML.
func Load(path string) (*Repository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a repository from YAML or JSON metadata
func Parse(data []byte) (*Repository, error) {
	var raw map[string]rawEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse repository: %w", err)
	}

	entries := make([]*Entry, 0, len(raw))
	for name, r := range raw {
		e, err := buildEntry(name, r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return New(entries...)
}

// New builds a repository from entries. Duplicate names or addresses are errors.
func New(entries ...*Entry) (*Repository, error) {
	r := &Repository{
		byName:    make(map[string]*Entry, len(entries)),
		byAddress: make(map[uint16]*Entry, len(entries)),
	}
	for _, e := range entries {
		if _, dup := r.byName[e.Name]; dup {
			return nil, fmt.Errorf("duplicate key %s", e.Name)
		}
		if other, dup := r.byAddress[e.Address]; dup {
			return nil, fmt.Errorf("address 0x%04X used by both %s and %s", e.Address, other.Name, e.Name)
		}
		if e.Type == "" {
			e.Type = inferType(e.Name, e.Address)
		}
		if e.Destination == 0 {
			e.Destination = inferDestination(e.Name)
		}
		r.byName[e.Name] = e
		r.byAddress[e.Address] = e
	}
	return r, nil
}

func buildEntry(name string, r rawEntry) (*Entry, error) {
	addr, err := strconv.ParseUint(strings.TrimSpace(r.Address), 0, 16)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid address %q: %w", name, r.Address, err)
	}

	e := &Entry{
		Name:              name,
		Address:           uint16(addr),
		Type:              ValueType(strings.ToUpper(strings.TrimSpace(r.Type))),
		Arithmetic:        strings.TrimSpace(r.Arithmetic),
		ReverseArithmetic: strings.TrimSpace(r.ReverseArithmetic),
		Writable:          r.Writable,
		Description:       r.Description,
		Unit:              r.Unit,
	}

	if len(r.Enum) > 0 {
		e.Enum = make(map[int64]string, len(r.Enum))
		for k, label := range r.Enum {
			code, err := strconv.ParseInt(strings.TrimSpace(k), 0, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid enum code %q: %w", name, k, err)
			}
			e.Enum[code] = label
		}
	}

	switch strings.ToLower(strings.TrimSpace(r.Destination)) {
	case "":
	case "indoor":
		e.Destination = nasa.ClassIndoor
	case "outdoor":
		e.Destination = nasa.ClassOutdoor
	default:
		return nil, fmt.Errorf("%s: unknown destination %q", name, r.Destination)
	}

	return e, nil
}

func inferType(name string, addr uint16) ValueType {
	for _, t := range []ValueType{TypeEnum, TypeLVar, TypeVar, TypeStr} {
		if strings.HasPrefix(name, string(t)+"_") {
			return t
		}
	}
	switch nasa.MessageTypeOf(addr) {
	case nasa.MessageLongVar:
		return TypeLVar
	case nasa.MessageStructure:
		return TypeStr
	}
	return TypeVar
}

func inferDestination(name string) nasa.AddressClass {
	if strings.Contains(name, "_OUTDOOR_") || strings.Contains(name, "_OUT_") {
		return nasa.ClassOutdoor
	}
	return nasa.ClassIndoor
}

// Lookup returns the entry for a key name
func (r *Repository) Lookup(name string) (*Entry, error) {
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, name)
	}
	return e, nil
}

// LookupAddress returns the entry for a message number
func (r *Repository) LookupAddress(addr uint16) (*Entry, error) {
	e, ok := r.byAddress[addr]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnknownAddress, addr)
	}
	return e, nil
}

// Names returns all key names, sorted
func (r *Repository) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of entries
func (r *Repository) Len() int {
	return len(r.byName)
}
