package superblock

import (
	"testing"

	"github.com/dreamware/vdostore/internal/physical"
)

func sample() Superblock {
	sb := Superblock{
		Nonce:             physical.Nonce(12345),
		JournalOrigin:     1,
		JournalBlocks:     64,
		BlockMapOrigin:    65,
		BlockMapRootCount: 4,
		SlabDepotOrigin:   200,
		SlabSize:          2048,
		SlabCount:         16,
		JournalHead:       10,
		JournalTail:       42,
		LogicalBlocksUsed: 1000,
	}
	copy(sb.UUID[:], []byte("0123456789abcdef"))
	return sb
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sample()
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestEncodeProducesFixedSize(t *testing.T) {
	if got := len(Encode(sample())); got != EncodedSize {
		t.Fatalf("got encoded length %d, want %d", got, EncodedSize)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data := Encode(sample())
	data[0] ^= 0xff
	if _, err := Decode(data); err != ErrBadMagic {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	data := Encode(sample())
	// Version is the second little-endian uint32, right after Magic.
	data[4] = 0xff
	data[5] = 0xff
	data[6] = 0xff
	data[7] = 0xff
	if _, err := Decode(data); err != ErrUnsupportedVersion {
		t.Fatalf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestReadOnlyLatchRoundTrips(t *testing.T) {
	in := sample()
	in.ReadOnly = true
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !out.ReadOnly {
		t.Fatal("expected ReadOnly latch to survive an encode/decode round trip")
	}
}
