package base

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetaRoundTrip(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	in := &Meta{
		PageSize:   DefaultPageSize,
		RootPage:   7,
		TreeDepth:  3,
		TotalPages: 42,
		KeyCount:   1234,
		FreeHead:   9,
	}
	EncodeMeta(buf, in)

	out, err := DecodeMeta(buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMetaBadMagic(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	_, err := DecodeMeta(buf)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestMetaChecksumMismatch(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	EncodeMeta(buf, &Meta{PageSize: DefaultPageSize, RootPage: 2, TreeDepth: 1, TotalPages: 3})

	// Flip a field without recomputing the trailer.
	buf[metaRootOffset]++
	_, err := DecodeMeta(buf)
	if !errors.Is(err, ErrInvalidChecksum) {
		t.Fatalf("expected ErrInvalidChecksum, got %v", err)
	}
}

func TestKeyOrderMatchesByteOrder(t *testing.T) {
	a := make([]byte, KeySize)
	b := make([]byte, KeySize)
	pairs := [][2]uint64{{0, 1}, {255, 256}, {1 << 32, 1<<32 + 1}, {0, ^uint64(0)}}
	for _, p := range pairs {
		EncodeKey(a, p[0])
		EncodeKey(b, p[1])
		if bytes.Compare(a, b) >= 0 {
			t.Fatalf("key %d should sort before %d", p[0], p[1])
		}
	}
}

func TestParseKey(t *testing.T) {
	raw := make([]byte, KeySize)
	EncodeKey(raw, 77)
	k, err := ParseKey(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(77), k)

	_, err = ParseKey([]byte{1, 2, 3})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestLeafRoundTrip(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	in := &Leaf{
		RightSibling: 11,
		Cells: []LeafCell{
			{Key: 1, Inline: []byte("hello"), TotalLen: 5},
			{Key: 2, Inline: []byte("world"), TotalLen: 5},
			{Key: 9, Inline: []byte("big"), TotalLen: 5000, OverflowHead: 40},
		},
	}
	require.NoError(t, EncodeLeaf(buf, in))
	require.Equal(t, PageLeaf, PageTag(buf))

	out, err := DecodeLeaf(buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestLeafEmpty(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	require.NoError(t, EncodeLeaf(buf, &Leaf{}))
	out, err := DecodeLeaf(buf)
	require.NoError(t, err)
	require.Len(t, out.Cells, 0)
	require.Equal(t, PageID(0), out.RightSibling)
}

func TestLeafOverflowingCellsRejected(t *testing.T) {
	buf := make([]byte, 512)
	big := make([]byte, 300)
	l := &Leaf{Cells: []LeafCell{
		{Key: 1, Inline: big, TotalLen: 300},
		{Key: 2, Inline: big, TotalLen: 300},
	}}
	err := EncodeLeaf(buf, l)
	if !errors.Is(err, ErrPageOverflow) {
		t.Fatalf("expected ErrPageOverflow, got %v", err)
	}
}

func TestLeafDecodeRejectsUnsortedKeys(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	require.NoError(t, EncodeLeaf(buf, &Leaf{Cells: []LeafCell{
		{Key: 5, Inline: []byte("a"), TotalLen: 1},
		{Key: 6, Inline: []byte("b"), TotalLen: 1},
	}}))

	// Swap the two slot pointers so the cells come back out of order.
	s0 := buf[PageHeaderSize : PageHeaderSize+SlotSize]
	s1 := buf[PageHeaderSize+SlotSize : PageHeaderSize+2*SlotSize]
	tmp := make([]byte, SlotSize)
	copy(tmp, s0)
	copy(s0, s1)
	copy(s1, tmp)

	_, err := DecodeLeaf(buf)
	if !errors.Is(err, ErrCorruptPage) {
		t.Fatalf("expected ErrCorruptPage, got %v", err)
	}
}

func TestInternalRoundTrip(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	in := &Internal{
		RightSibling: 30,
		LeftChild:    3,
		Cells: []InternalCell{
			{Key: 10, Child: 4},
			{Key: 20, Child: 5},
			{Key: 30, Child: 6},
		},
	}
	require.NoError(t, EncodeInternal(buf, in))
	require.Equal(t, PageInternal, PageTag(buf))

	out, err := DecodeInternal(buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeWrongTag(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	require.NoError(t, EncodeInternal(buf, &Internal{LeftChild: 3, Cells: []InternalCell{{Key: 1, Child: 4}}}))

	_, err := DecodeLeaf(buf)
	if !errors.Is(err, ErrCorruptPage) {
		t.Fatalf("expected ErrCorruptPage decoding internal as leaf, got %v", err)
	}
}

func TestOverflowRoundTrip(t *testing.T) {
	buf := make([]byte, DefaultPageSize)
	payload := bytes.Repeat([]byte{0xAB}, OverflowCapacity(DefaultPageSize))
	require.NoError(t, EncodeOverflow(buf, 17, payload))

	next, got, err := DecodeOverflow(buf)
	require.NoError(t, err)
	require.Equal(t, PageID(17), next)
	require.Equal(t, payload, got)
}

func TestOverflowPayloadTooLarge(t *testing.T) {
	buf := make([]byte, 512)
	err := EncodeOverflow(buf, 0, make([]byte, 512-OverflowHeaderSize+1))
	if !errors.Is(err, ErrPageOverflow) {
		t.Fatalf("expected ErrPageOverflow, got %v", err)
	}
}

func TestValidPageSize(t *testing.T) {
	require.True(t, ValidPageSize(512))
	require.True(t, ValidPageSize(4096))
	require.True(t, ValidPageSize(8192))
	require.False(t, ValidPageSize(0))
	require.False(t, ValidPageSize(100))
	require.False(t, ValidPageSize(-512))
	require.False(t, ValidPageSize(1000))
}

func TestFanoutConstants(t *testing.T) {
	require.Equal(t, 338, MaxInternalKeys(4096))
	require.Equal(t, 169, MinInternalKeys(4096))
	require.Equal(t, 63, MaxLeafCells(4096))
	require.Equal(t, 31, MinLeafCells(4096))
	require.Equal(t, 4042, MaxInlineValue(4096))
}
