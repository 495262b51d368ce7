// Package dc holds the compiled Distributed-Class schema used on the edge.
// Each field is a (number, name, codec) triple; classes pack required
// fields sorted by field number, which is what the State Server expects in
// generate messages.
package dc

import (
	"fmt"
	"sort"

	"github.com/peppythegod/OTP-Reboot/internal/datagram"
)

// FriendPair is one entry of a setFriendsList value.
type FriendPair struct {
	ID   uint32
	Kind uint8
}

// Codec packs and unpacks one field's argument tuple.
type Codec interface {
	Pack(w *datagram.Writer, v any) error
	Unpack(it *datagram.Iterator) (any, error)
}

type stringCodec struct{}

func (stringCodec) Pack(w *datagram.Writer, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("dc: want string, got %T", v)
	}
	w.AddString(s)
	return nil
}

func (stringCodec) Unpack(it *datagram.Iterator) (any, error) {
	s := it.ReadString()
	return s, it.Err()
}

type uint8Codec struct{}

func (uint8Codec) Pack(w *datagram.Writer, v any) error {
	n, ok := v.(uint8)
	if !ok {
		return fmt.Errorf("dc: want uint8, got %T", v)
	}
	w.AddUint8(n)
	return nil
}

func (uint8Codec) Unpack(it *datagram.Iterator) (any, error) {
	n := it.ReadUint8()
	return n, it.Err()
}

type uint16Codec struct{}

func (uint16Codec) Pack(w *datagram.Writer, v any) error {
	n, ok := v.(uint16)
	if !ok {
		return fmt.Errorf("dc: want uint16, got %T", v)
	}
	w.AddUint16(n)
	return nil
}

func (uint16Codec) Unpack(it *datagram.Iterator) (any, error) {
	n := it.ReadUint16()
	return n, it.Err()
}

type uint32Codec struct{}

func (uint32Codec) Pack(w *datagram.Writer, v any) error {
	n, ok := v.(uint32)
	if !ok {
		return fmt.Errorf("dc: want uint32, got %T", v)
	}
	w.AddUint32(n)
	return nil
}

func (uint32Codec) Unpack(it *datagram.Iterator) (any, error) {
	n := it.ReadUint32()
	return n, it.Err()
}

type uint32ArrayCodec struct{}

func (uint32ArrayCodec) Pack(w *datagram.Writer, v any) error {
	a, ok := v.([]uint32)
	if !ok {
		return fmt.Errorf("dc: want []uint32, got %T", v)
	}
	w.AddUint16(uint16(len(a)))
	for _, n := range a {
		w.AddUint32(n)
	}
	return nil
}

func (uint32ArrayCodec) Unpack(it *datagram.Iterator) (any, error) {
	count := it.ReadUint16()
	a := make([]uint32, 0, count)
	for i := 0; i < int(count); i++ {
		a = append(a, it.ReadUint32())
	}
	return a, it.Err()
}

type friendPairsCodec struct{}

func (friendPairsCodec) Pack(w *datagram.Writer, v any) error {
	pairs, ok := v.([]FriendPair)
	if !ok {
		return fmt.Errorf("dc: want []FriendPair, got %T", v)
	}
	w.AddUint16(uint16(len(pairs)))
	for _, p := range pairs {
		w.AddUint32(p.ID)
		w.AddUint8(p.Kind)
	}
	return nil
}

func (friendPairsCodec) Unpack(it *datagram.Iterator) (any, error) {
	count := it.ReadUint16()
	pairs := make([]FriendPair, 0, count)
	for i := 0; i < int(count); i++ {
		pairs = append(pairs, FriendPair{ID: it.ReadUint32(), Kind: it.ReadUint8()})
	}
	return pairs, it.Err()
}

// Field is one numbered field of a class.
type Field struct {
	Number   uint16
	Name     string
	Codec    Codec
	Required bool
	Default  any
}

// Class is a compiled distributed class.
type Class struct {
	Number uint16
	Name   string

	fields   []*Field // sorted by Number
	byName   map[string]*Field
	byNumber map[uint16]*Field
}

func newClass(number uint16, name string, fields ...*Field) *Class {
	c := &Class{
		Number:   number,
		Name:     name,
		fields:   fields,
		byName:   make(map[string]*Field, len(fields)),
		byNumber: make(map[uint16]*Field, len(fields)),
	}
	sort.Slice(c.fields, func(i, j int) bool {
		return c.fields[i].Number < c.fields[j].Number
	})
	for _, f := range c.fields {
		c.byName[f.Name] = f
		c.byNumber[f.Number] = f
	}
	return c
}

func (c *Class) Field(name string) *Field {
	return c.byName[name]
}

func (c *Class) FieldByNumber(n uint16) *Field {
	return c.byNumber[n]
}

// Fields returns the class fields in field-number order.
func (c *Class) Fields() []*Field {
	return c.fields
}

// PackRequired appends all required fields in field-number order without
// field numbers, taking values from the map and falling back to defaults.
func (c *Class) PackRequired(w *datagram.Writer, values map[string]any) error {
	for _, f := range c.fields {
		if !f.Required {
			continue
		}
		v, ok := values[f.Name]
		if !ok {
			v = f.Default
		}
		if v == nil {
			return fmt.Errorf("dc: %s.%s missing and has no default", c.Name, f.Name)
		}
		if err := f.Codec.Pack(w, v); err != nil {
			return fmt.Errorf("dc: pack %s.%s: %w", c.Name, f.Name, err)
		}
	}
	return nil
}

// PackAll appends every supplied field's value in field-number order
// without field numbers.
func (c *Class) PackAll(w *datagram.Writer, values map[string]any) error {
	for _, f := range c.fields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		if err := f.Codec.Pack(w, v); err != nil {
			return fmt.Errorf("dc: pack %s.%s: %w", c.Name, f.Name, err)
		}
	}
	return nil
}

// PackFieldBlock appends a counted field block: uint16 count, then each
// entry as uint16 field number plus packed arguments, in field-number
// order.
func (c *Class) PackFieldBlock(w *datagram.Writer, values map[string]any) error {
	names := make([]string, 0, len(values))
	for name := range values {
		f := c.byName[name]
		if f == nil {
			return fmt.Errorf("dc: unknown field %s.%s", c.Name, name)
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return c.byName[names[i]].Number < c.byName[names[j]].Number
	})

	w.AddUint16(uint16(len(names)))
	for _, name := range names {
		f := c.byName[name]
		w.AddUint16(f.Number)
		if err := f.Codec.Pack(w, values[name]); err != nil {
			return fmt.Errorf("dc: pack %s.%s: %w", c.Name, name, err)
		}
	}
	return nil
}

// UnpackFieldBlock reads a counted field block into a name-keyed map.
func (c *Class) UnpackFieldBlock(it *datagram.Iterator) (map[string]any, error) {
	count := it.ReadUint16()
	values := make(map[string]any, count)
	for i := 0; i < int(count); i++ {
		number := it.ReadUint16()
		f := c.byNumber[number]
		if f == nil {
			return nil, fmt.Errorf("dc: unknown field number %d on %s", number, c.Name)
		}
		v, err := f.Codec.Unpack(it)
		if err != nil {
			return nil, fmt.Errorf("dc: unpack %s.%s: %w", c.Name, f.Name, err)
		}
		values[f.Name] = v
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

// Schema is the set of compiled classes.
type Schema struct {
	byName   map[string]*Class
	byNumber map[uint16]*Class
}

func (s *Schema) Class(name string) *Class {
	return s.byName[name]
}

func (s *Schema) ClassByNumber(n uint16) *Class {
	return s.byNumber[n]
}

// Compile builds the edge's schema once at startup.
func Compile() *Schema {
	account := newClass(1, "Account",
		&Field{Number: 100, Name: "ACCOUNT_AV_SET", Codec: uint32ArrayCodec{}, Required: true, Default: make([]uint32, 6)},
		&Field{Number: 101, Name: "ESTATE_ID", Codec: uint32Codec{}, Required: true, Default: uint32(0)},
		&Field{Number: 102, Name: "HOUSE_ID_SET", Codec: uint32ArrayCodec{}, Required: true, Default: make([]uint32, 6)},
		&Field{Number: 103, Name: "BIRTH_DATE", Codec: stringCodec{}, Default: ""},
		&Field{Number: 104, Name: "BLAST_NAME", Codec: stringCodec{}, Default: ""},
		&Field{Number: 105, Name: "CREATED", Codec: stringCodec{}, Default: ""},
		&Field{Number: 106, Name: "FIRST_NAME", Codec: stringCodec{}, Default: ""},
		&Field{Number: 107, Name: "LAST_NAME", Codec: stringCodec{}, Default: ""},
		&Field{Number: 108, Name: "LAST_LOGIN", Codec: stringCodec{}, Default: ""},
		&Field{Number: 109, Name: "PLAYED_MINUTES", Codec: stringCodec{}, Default: ""},
		&Field{Number: 110, Name: "PLAYED_MINUTES_PERIOD", Codec: stringCodec{}, Default: ""},
	)

	toon := newClass(2, "DistributedToon",
		&Field{Number: 200, Name: "setName", Codec: stringCodec{}, Required: true, Default: "Toon"},
		&Field{Number: 201, Name: "setDNAString", Codec: stringCodec{}, Required: true, Default: ""},
		&Field{Number: 202, Name: "setPosIndex", Codec: uint8Codec{}, Required: true, Default: uint8(0)},
		&Field{Number: 203, Name: "setHoodsVisited", Codec: uint32ArrayCodec{}, Required: true, Default: []uint32{}},
		&Field{Number: 204, Name: "setLastHood", Codec: uint32Codec{}, Required: true, Default: uint32(0)},
		&Field{Number: 205, Name: "setDefaultZone", Codec: uint32Codec{}, Required: true, Default: uint32(0)},
		&Field{Number: 206, Name: "setFriendsList", Codec: friendPairsCodec{}, Default: []FriendPair{}},
		&Field{Number: 207, Name: "setCommonChatFlags", Codec: uint8Codec{}, Default: uint8(0)},
		&Field{Number: 208, Name: "setTrophyScore", Codec: uint16Codec{}, Default: uint16(0)},
	)

	return &Schema{
		byName:   map[string]*Class{account.Name: account, toon.Name: toon},
		byNumber: map[uint16]*Class{account.Number: account, toon.Number: toon},
	}
}
