package odb

import (
	"bytes"
	"testing"

	"github.com/odvcencio/gitcore/pkg/object"
)

func TestPackWriterSingleBlob(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 1)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if err := pw.WriteObject(blobID("hello"), object.TypeBlob, []byte("hello")); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	sum, err := pw.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	data := buf.Bytes()
	if !bytes.Equal(data[:4], []byte("PACK")) {
		t.Fatalf("magic = %q", data[:4])
	}
	want := object.HashBytes(data[:len(data)-packTrailerSize])
	if sum != want || !bytes.Equal(data[len(data)-packTrailerSize:], want[:]) {
		t.Fatalf("trailer = %x, want %s", data[len(data)-packTrailerSize:], want)
	}
	if off, ok := pw.Offset(blobID("hello")); !ok || off != packHeaderSize {
		t.Fatalf("Offset = %d, %v; want %d", off, ok, packHeaderSize)
	}
}

func TestPackWriterCountMismatch(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 2)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if err := pw.WriteObject(blobID("a"), object.TypeBlob, []byte("a")); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if _, err := pw.Finish(); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestPackWriterRejectsWriteAfterFinish(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 1)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if err := pw.WriteObject(blobID("a"), object.TypeBlob, []byte("a")); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := pw.WriteObject(blobID("b"), object.TypeBlob, []byte("b")); err == nil {
		t.Fatal("expected error writing after finish")
	}
	if _, err := pw.Finish(); err == nil {
		t.Fatal("expected error finishing twice")
	}
}

func TestPackWriterRejectsDuplicateAndUnknownBase(t *testing.T) {
	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, 3)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if err := pw.WriteObject(blobID("a"), object.TypeBlob, []byte("a")); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if err := pw.WriteObject(blobID("a"), object.TypeBlob, []byte("a")); err == nil {
		t.Fatal("expected duplicate object error")
	}
	if err := pw.WriteOfsDelta(blobID("ab"), blobID("zz"), []byte("zz"), []byte("ab")); err == nil {
		t.Fatal("expected error for ofs-delta base outside the pack")
	}
}

func TestPackWriterIndexRoundTrip(t *testing.T) {
	var pack bytes.Buffer
	pw, err := NewPackWriter(&pack, 2)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if err := pw.WriteObject(blobID("one"), object.TypeBlob, []byte("one")); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if err := pw.WriteRefDelta(blobID("one two"), blobID("one"), []byte("one"), []byte("one two")); err != nil {
		t.Fatalf("WriteRefDelta: %v", err)
	}
	sum, err := pw.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	var idxBuf bytes.Buffer
	if _, err := WritePackIndex(&idxBuf, pw.Entries(), sum); err != nil {
		t.Fatalf("WritePackIndex: %v", err)
	}
	idx, err := ReadPackIndex(idxBuf.Bytes())
	if err != nil {
		t.Fatalf("ReadPackIndex: %v", err)
	}
	if idx.PackChecksum != sum {
		t.Fatalf("PackChecksum = %s, want %s", idx.PackChecksum, sum)
	}
	e, ok := idx.Find(blobID("one two"))
	if !ok {
		t.Fatal("delta object missing from index")
	}
	entry, _, err := decodePackEntry(pack.Bytes()[:pack.Len()-packTrailerSize], e.Offset)
	if err != nil {
		t.Fatalf("decodePackEntry: %v", err)
	}
	if entry.Type != PackRefDelta || entry.BaseOid != blobID("one") || entry.CRC32 != e.CRC32 {
		t.Fatalf("entry at indexed offset = %+v", entry)
	}
}
