package meta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/cascada-lang/cascada/core/invariant"
)

const (
	// Magic is the compiled-metadata file magic ("CASC").
	Magic = "CASC"

	// Version is the format version, major.minor in one uint16.
	Version uint16 = 0x0001
)

// Encode writes a program as MAGIC(4) | VERSION(2) | BODY_LEN(8) | BODY and
// returns the BLAKE2b-256 hash of the body. The body is canonical CBOR, so
// the same program always encodes to the same bytes and the hash is a stable
// cache key.
func Encode(w io.Writer, p *Program) ([32]byte, error) {
	invariant.NotNil(w, "writer")
	invariant.NotNil(p, "program")

	if p.Entry < 0 || p.Entry >= len(p.Closures) {
		return [32]byte{}, fmt.Errorf("entry closure %d out of range (%d closures)", p.Entry, len(p.Closures))
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return [32]byte{}, fmt.Errorf("creating canonical encoder: %w", err)
	}

	body, err := encMode.Marshal(p)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encoding program: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(Magic)
	if err := binary.Write(&buf, binary.LittleEndian, Version); err != nil {
		return [32]byte{}, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(body))); err != nil {
		return [32]byte{}, err
	}
	buf.Write(body)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return [32]byte{}, fmt.Errorf("writing program: %w", err)
	}

	return blake2b.Sum256(body), nil
}

// Decode reads a program previously written by Encode and returns it with
// the body hash, verifying magic and version first.
func Decode(r io.Reader) (*Program, [32]byte, error) {
	invariant.NotNil(r, "reader")

	header := make([]byte, len(Magic)+2+8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, [32]byte{}, fmt.Errorf("reading header: %w", err)
	}

	if string(header[:4]) != Magic {
		return nil, [32]byte{}, fmt.Errorf("bad magic %q: not a compiled metadata file", header[:4])
	}
	version := binary.LittleEndian.Uint16(header[4:6])
	if version != Version {
		return nil, [32]byte{}, fmt.Errorf("unsupported format version 0x%04x (want 0x%04x)", version, Version)
	}

	bodyLen := binary.LittleEndian.Uint64(header[6:14])
	const maxBody = 64 << 20 // a metadata body larger than 64 MiB is corrupt
	if bodyLen > maxBody {
		return nil, [32]byte{}, fmt.Errorf("body length %d exceeds limit", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, [32]byte{}, fmt.Errorf("reading body: %w", err)
	}

	var p Program
	if err := cbor.Unmarshal(body, &p); err != nil {
		return nil, [32]byte{}, fmt.Errorf("decoding program: %w", err)
	}
	if p.Entry < 0 || p.Entry >= len(p.Closures) {
		return nil, [32]byte{}, fmt.Errorf("entry closure %d out of range (%d closures)", p.Entry, len(p.Closures))
	}

	return &p, blake2b.Sum256(body), nil
}
