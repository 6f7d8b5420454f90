// Package attestation reads the public directory of SPL-402 servers from
// Solana Attestation Service records.
package attestation

import (
	"bytes"
	"fmt"
	"math/big"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	spl402 "github.com/astrohackerx/spl402-sub000"
)

// Account discriminators
const (
	DiscriminatorCredential  uint8 = 0
	DiscriminatorSchema      uint8 = 1
	DiscriminatorAttestation uint8 = 2
)

// Attestation account layout offsets. The directory scan filters on
// credential and schema.
const (
	AttestationNonceOffset      = 1
	AttestationCredentialOffset = 33
	AttestationSchemaOffset     = 65
	AttestationDataOffset       = 97
)

// Attestation is a decoded attestation account.
//
// Layout:
//
//	[0]       discriminator U8
//	[1..33)   nonce         Pubkey
//	[33..65)  credential    Pubkey
//	[65..97)  schema        Pubkey
//	[97..)    data          Vec<u8> (U32 LE length)
//	          signer        Pubkey
//	          expiry        I64 LE (unix seconds, 0 = never)
//	          tokenAccount  Pubkey
type Attestation struct {
	Nonce        solana.PublicKey
	Credential   solana.PublicKey
	Schema       solana.PublicKey
	Data         []byte
	Signer       solana.PublicKey
	Expiry       int64
	TokenAccount solana.PublicKey
}

// Expired reports whether the attestation has a non-zero expiry before now
// (unix seconds).
func (a *Attestation) Expired(now int64) bool {
	return a.Expiry != 0 && a.Expiry < now
}

// Schema is a decoded schema account.
//
// Layout:
//
//	[0]      discriminator U8
//	[1..33)  credential    Pubkey
//	         name          Vec<u8>
//	         description   Vec<u8>
//	         layout        Vec<u8> (one type code per field)
//	         fieldNames    Vec<u8> holding a serialized Vec<String>
//	         isPaused      Bool
//	         version       U8
type Schema struct {
	Credential  solana.PublicKey
	Name        string
	Description string
	Layout      []DataType
	FieldNames  []string
	IsPaused    bool
	Version     uint8
}

// DataType is a schema field type code.
type DataType uint8

const (
	TypeU8 DataType = iota
	TypeU16
	TypeU32
	TypeU64
	TypeU128
	TypeI8
	TypeI16
	TypeI32
	TypeI64
	TypeI128
	TypeBool
	TypeChar
	TypeString
	TypeVecU8
	TypeVecU16
	TypeVecU32
	TypeVecU64
	TypeVecU128
	TypeVecI8
	TypeVecI16
	TypeVecI32
	TypeVecI64
	TypeVecI128
	TypeVecBool
	TypeVecChar
	TypeVecString
)

// DecodeAttestation decodes raw attestation account data.
func DecodeAttestation(data []byte) (*Attestation, error) {
	dec := bin.NewBorshDecoder(data)

	disc, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("failed to read discriminator: %w", err)
	}
	if disc != DiscriminatorAttestation {
		return nil, fmt.Errorf("not an attestation account: discriminator %d", disc)
	}

	var a Attestation
	if a.Nonce, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	if a.Credential, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	if a.Schema, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	if a.Data, err = readVecU8(dec); err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	if a.Signer, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("failed to read signer: %w", err)
	}
	if a.Expiry, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("failed to read expiry: %w", err)
	}
	if a.TokenAccount, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("failed to read token account: %w", err)
	}
	return &a, nil
}

// DecodeSchema decodes raw schema account data.
func DecodeSchema(data []byte) (*Schema, error) {
	dec := bin.NewBorshDecoder(data)

	disc, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("failed to read discriminator: %w", err)
	}
	if disc != DiscriminatorSchema {
		return nil, fmt.Errorf("not a schema account: discriminator %d", disc)
	}

	var s Schema
	if s.Credential, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	name, err := readVecU8(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to read name: %w", err)
	}
	s.Name = string(name)

	description, err := readVecU8(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to read description: %w", err)
	}
	s.Description = string(description)

	layout, err := readVecU8(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout: %w", err)
	}
	for _, code := range layout {
		if DataType(code) > TypeVecString {
			return nil, fmt.Errorf("%w: type code %d", spl402.ErrUnsupportedEncoding, code)
		}
		s.Layout = append(s.Layout, DataType(code))
	}

	fieldNames, err := readVecU8(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to read field names: %w", err)
	}
	if s.FieldNames, err = readStrings(bin.NewBorshDecoder(fieldNames)); err != nil {
		return nil, fmt.Errorf("failed to decode field names: %w", err)
	}
	if len(s.FieldNames) != len(s.Layout) {
		return nil, fmt.Errorf("schema has %d field names for %d fields", len(s.FieldNames), len(s.Layout))
	}

	if s.IsPaused, err = dec.ReadBool(); err != nil {
		return nil, fmt.Errorf("failed to read paused flag: %w", err)
	}
	if s.Version, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	return &s, nil
}

// DecodeData deserializes an attestation payload by the schema layout.
// Integers decode to uint64/int64, 128-bit integers to *big.Int, chars and
// strings to string, and vectors to []any.
func (s *Schema) DecodeData(data []byte) (map[string]any, error) {
	if len(s.FieldNames) != len(s.Layout) {
		return nil, fmt.Errorf("schema has %d field names for %d fields", len(s.FieldNames), len(s.Layout))
	}
	dec := bin.NewBorshDecoder(data)
	out := make(map[string]any, len(s.Layout))
	for i, t := range s.Layout {
		v, err := readValue(dec, t)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", s.FieldNames[i], err)
		}
		out[s.FieldNames[i]] = v
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after attestation data", dec.Remaining())
	}
	return out, nil
}

func readValue(dec *bin.Decoder, t DataType) (any, error) {
	switch t {
	case TypeU8:
		v, err := dec.ReadUint8()
		return uint64(v), err
	case TypeU16:
		v, err := dec.ReadUint16(bin.LE)
		return uint64(v), err
	case TypeU32:
		v, err := dec.ReadUint32(bin.LE)
		return uint64(v), err
	case TypeU64:
		return dec.ReadUint64(bin.LE)
	case TypeU128:
		return readInt128(dec, false)
	case TypeI8:
		v, err := dec.ReadInt8()
		return int64(v), err
	case TypeI16:
		v, err := dec.ReadInt16(bin.LE)
		return int64(v), err
	case TypeI32:
		v, err := dec.ReadInt32(bin.LE)
		return int64(v), err
	case TypeI64:
		return dec.ReadInt64(bin.LE)
	case TypeI128:
		return readInt128(dec, true)
	case TypeBool:
		return dec.ReadBool()
	case TypeChar:
		v, err := dec.ReadUint32(bin.LE)
		if err != nil {
			return nil, err
		}
		if !utf8.ValidRune(rune(v)) {
			return nil, fmt.Errorf("invalid char %d", v)
		}
		return string(rune(v)), nil
	case TypeString:
		return readString(dec)
	case TypeVecU8:
		return readVecU8(dec)
	}

	if t >= TypeVecU16 && t <= TypeVecString {
		elem := vecElement[t]
		n, err := dec.ReadUint32(bin.LE)
		if err != nil {
			return nil, err
		}
		if int(n) > dec.Remaining() {
			return nil, fmt.Errorf("vector length %d exceeds remaining %d bytes", n, dec.Remaining())
		}
		items := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := readValue(dec, elem)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	}

	return nil, fmt.Errorf("%w: type code %d", spl402.ErrUnsupportedEncoding, t)
}

var vecElement = map[DataType]DataType{
	TypeVecU16:    TypeU16,
	TypeVecU32:    TypeU32,
	TypeVecU64:    TypeU64,
	TypeVecU128:   TypeU128,
	TypeVecI8:     TypeI8,
	TypeVecI16:    TypeI16,
	TypeVecI32:    TypeI32,
	TypeVecI64:    TypeI64,
	TypeVecI128:   TypeI128,
	TypeVecBool:   TypeBool,
	TypeVecChar:   TypeChar,
	TypeVecString: TypeString,
}

func readPubkey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}

func readVecU8(dec *bin.Decoder) ([]byte, error) {
	n, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, err
	}
	if int(n) > dec.Remaining() {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, dec.Remaining())
	}
	if n == 0 {
		return []byte{}, nil
	}
	return dec.ReadNBytes(int(n))
}

func readString(dec *bin.Decoder) (string, error) {
	b, err := readVecU8(dec)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("invalid utf-8 string")
	}
	return string(b), nil
}

func readStrings(dec *bin.Decoder) ([]string, error) {
	n, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, err
	}
	if int(n) > dec.Remaining() {
		return nil, fmt.Errorf("string count %d exceeds remaining %d bytes", n, dec.Remaining())
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(dec)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// readInt128 reads a little-endian 128-bit integer.
func readInt128(dec *bin.Decoder, signed bool) (*big.Int, error) {
	b, err := dec.ReadNBytes(16)
	if err != nil {
		return nil, err
	}
	be := make([]byte, 16)
	for i := range b {
		be[15-i] = b[i]
	}
	v := new(big.Int).SetBytes(be)
	if signed && be[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return v, nil
}

// EncodeAttestation serializes an attestation account. It is the inverse of
// DecodeAttestation.
func EncodeAttestation(a *Attestation) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)

	steps := []func() error{
		func() error { return enc.WriteUint8(DiscriminatorAttestation) },
		func() error { return enc.WriteBytes(a.Nonce[:], false) },
		func() error { return enc.WriteBytes(a.Credential[:], false) },
		func() error { return enc.WriteBytes(a.Schema[:], false) },
		func() error { return writeVecU8(enc, a.Data) },
		func() error { return enc.WriteBytes(a.Signer[:], false) },
		func() error { return enc.WriteInt64(a.Expiry, bin.LE) },
		func() error { return enc.WriteBytes(a.TokenAccount[:], false) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// EncodeSchema serializes a schema account. It is the inverse of DecodeSchema.
func EncodeSchema(s *Schema) ([]byte, error) {
	names := new(bytes.Buffer)
	namesEnc := bin.NewBorshEncoder(names)
	if err := namesEnc.WriteUint32(uint32(len(s.FieldNames)), bin.LE); err != nil {
		return nil, err
	}
	for _, name := range s.FieldNames {
		if err := writeVecU8(namesEnc, []byte(name)); err != nil {
			return nil, err
		}
	}

	layout := make([]byte, len(s.Layout))
	for i, t := range s.Layout {
		layout[i] = byte(t)
	}

	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	steps := []func() error{
		func() error { return enc.WriteUint8(DiscriminatorSchema) },
		func() error { return enc.WriteBytes(s.Credential[:], false) },
		func() error { return writeVecU8(enc, []byte(s.Name)) },
		func() error { return writeVecU8(enc, []byte(s.Description)) },
		func() error { return writeVecU8(enc, layout) },
		func() error { return writeVecU8(enc, names.Bytes()) },
		func() error { return enc.WriteBool(s.IsPaused) },
		func() error { return enc.WriteUint8(s.Version) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// EncodeData serializes values by the schema layout. Only scalar types up to
// 64 bits, strings and byte vectors are supported.
func (s *Schema) EncodeData(values map[string]any) ([]byte, error) {
	if len(s.FieldNames) != len(s.Layout) {
		return nil, fmt.Errorf("schema has %d field names for %d fields", len(s.FieldNames), len(s.Layout))
	}
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)

	for i, t := range s.Layout {
		name := s.FieldNames[i]
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("missing value for field %q", name)
		}
		if err := writeValue(enc, t, v); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
	}
	return buf.Bytes(), nil
}

func writeValue(enc *bin.Encoder, t DataType, v any) error {
	switch t {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		return writeVecU8(enc, []byte(s))
	case TypeVecU8:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("expected []byte, got %T", v)
		}
		return writeVecU8(enc, b)
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		return enc.WriteBool(b)
	case TypeU8, TypeU16, TypeU32, TypeU64:
		n, ok := v.(uint64)
		if !ok {
			return fmt.Errorf("expected uint64, got %T", v)
		}
		switch t {
		case TypeU8:
			return enc.WriteUint8(uint8(n))
		case TypeU16:
			return enc.WriteUint16(uint16(n), bin.LE)
		case TypeU32:
			return enc.WriteUint32(uint32(n), bin.LE)
		}
		return enc.WriteUint64(n, bin.LE)
	case TypeI64:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", v)
		}
		return enc.WriteInt64(n, bin.LE)
	}
	return fmt.Errorf("%w: type code %d", spl402.ErrUnsupportedEncoding, t)
}

func writeVecU8(enc *bin.Encoder, b []byte) error {
	if err := enc.WriteUint32(uint32(len(b)), bin.LE); err != nil {
		return err
	}
	return enc.WriteBytes(b, false)
}
