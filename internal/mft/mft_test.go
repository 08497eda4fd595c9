package mft

import (
	"testing"

	"github.com/nfistri/gontfs/internal/ntfserr"
	"github.com/nfistri/gontfs/internal/runs"
)

func TestFormatNewAndFindAttr(t *testing.T) {
	buf := make([]byte, 1024)
	r := FormatNew(buf, 42, 2)

	if !r.InUse() {
		t.Fatalf("new record should be in use")
	}
	if r.RecordNumber != 42 {
		t.Fatalf("RecordNumber = %d, want 42", r.RecordNumber)
	}

	attr := BuildResident(TypeStandardInformation, "", 0, 0, make([]byte, 48), false)
	if _, err := InsertAttr(r, attr); err != nil {
		t.Fatal(err)
	}

	got, _, err := FindAttr(r, TypeStandardInformation, "")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Resident || len(got.Data) != 48 {
		t.Fatalf("unexpected attribute: %+v", got)
	}

	if _, _, err := FindAttr(r, TypeData, ""); !ntfserr.Is(err, ntfserr.NotFound) {
		t.Fatalf("expected not-found for missing $DATA, got %v", err)
	}
}

func TestReferencePacking(t *testing.T) {
	ref := MakeReference(123456, 7)
	if ref.RecordNumber() != 123456 {
		t.Fatalf("RecordNumber() = %d, want 123456", ref.RecordNumber())
	}
	if ref.SequenceNumber() != 7 {
		t.Fatalf("SequenceNumber() = %d, want 7", ref.SequenceNumber())
	}
}

func TestInsertFindRemoveRoundTrip(t *testing.T) {
	buf := make([]byte, 1024)
	r := FormatNew(buf, 5, 2)

	a1 := BuildResident(TypeFileName, "", 0, 0, []byte("hello-filename-attr-data-------"), true)
	off1, err := InsertAttr(r, a1)
	if err != nil {
		t.Fatal(err)
	}
	a2 := BuildResident(TypeData, "", 0, 1, []byte("file contents"), false)
	if _, err := InsertAttr(r, a2); err != nil {
		t.Fatal(err)
	}

	if _, _, err := FindAttr(r, TypeData, ""); err != nil {
		t.Fatalf("expected $DATA present: %v", err)
	}

	if err := RemoveAttr(r, off1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := FindAttr(r, TypeFileName, ""); !ntfserr.Is(err, ntfserr.NotFound) {
		t.Fatalf("expected $FILE_NAME removed, got %v", err)
	}
	if _, _, err := FindAttr(r, TypeData, ""); err != nil {
		t.Fatalf("$DATA should survive removal of an earlier attribute: %v", err)
	}
}

func TestResizeResidentAttrGrowAndShrink(t *testing.T) {
	buf := make([]byte, 1024)
	r := FormatNew(buf, 1, 2)

	a := BuildResident(TypeData, "", 0, 0, []byte("short"), false)
	off, err := InsertAttr(r, a)
	if err != nil {
		t.Fatal(err)
	}
	tail := BuildResident(TypeObjectID, "", 0, 1, make([]byte, 16), false)
	if _, err := InsertAttr(r, tail); err != nil {
		t.Fatal(err)
	}

	if err := ResizeResidentAttr(r, off, []byte("a much longer replacement value")); err != nil {
		t.Fatal(err)
	}
	got, _, err := FindAttr(r, TypeData, "")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "a much longer replacement value" {
		t.Fatalf("grown data = %q", got.Data)
	}
	if _, _, err := FindAttr(r, TypeObjectID, ""); err != nil {
		t.Fatalf("trailing attribute should survive growth: %v", err)
	}

	if err := ResizeResidentAttr(r, off, []byte("tiny")); err != nil {
		t.Fatal(err)
	}
	got, _, err = FindAttr(r, TypeData, "")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "tiny" {
		t.Fatalf("shrunk data = %q", got.Data)
	}
	if _, _, err := FindAttr(r, TypeObjectID, ""); err != nil {
		t.Fatalf("trailing attribute should survive shrinking: %v", err)
	}
}

func TestNonResidentAttrRoundTrip(t *testing.T) {
	tree := runs.New()
	if err := tree.Add(0, 500, 10); err != nil {
		t.Fatal(err)
	}

	attrBuf, err := BuildNonResident(TypeData, "", 0, 0, 0, 9, tree, 10*4096, 10*4096, 10*4096)
	if err != nil {
		t.Fatal(err)
	}

	a, _, err := ParseAttr(attrBuf)
	if err != nil {
		t.Fatal(err)
	}
	if a.Resident {
		t.Fatalf("expected non-resident attribute")
	}
	lcn, _, ok := a.Runs.Lookup(5)
	// Lookup returns the containing run; VCN 5 sits 5 clusters into it.
	if !ok || lcn.LCN+(5-lcn.VCN) != 505 {
		t.Fatalf("Lookup(5) = %+v, %v", lcn, ok)
	}
}
