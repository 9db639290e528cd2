package registry

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	records := []Record{
		{Address: 0x02, Type: TypePower, Version: "1.3.0", Status: StatusOnline},
		{Address: 0x03, Type: TypeSafety, Version: "", Status: StatusError},
	}

	var buf bytes.Buffer
	if err := Save(&buf, records); err != nil {
		t.Fatalf("Save: %v", err)
	}

	infos, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d infos, want 2", len(infos))
	}
	if infos[0].Address != 0x02 || infos[0].Type != TypePower || infos[0].Version != "1.3.0" {
		t.Fatalf("infos[0] = %+v", infos[0])
	}
	if infos[1].Address != 0x03 || infos[1].Type != TypeSafety || infos[1].Version != "" {
		t.Fatalf("infos[1] = %+v", infos[1])
	}
}

func TestLoadSkipsBlankAndCommentLines(t *testing.T) {
	in := strings.NewReader("\n# a comment\nv1 addr=0x02 type=Power version=1.0 status=Online\n\n")
	infos, err := Load(in)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(infos) != 1 || infos[0].Address != 0x02 {
		t.Fatalf("got %+v, want one record for 0x02", infos)
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	in := strings.NewReader("v1 addr=0x02 type=NotAType version=1.0\n")
	if _, err := Load(in); err == nil {
		t.Fatal("Load accepted an unknown module type")
	}
}

func TestLoadRejectsMissingAddr(t *testing.T) {
	in := strings.NewReader("v1 type=Power version=1.0\n")
	if _, err := Load(in); err == nil {
		t.Fatal("Load accepted a line with no addr field")
	}
}

func TestLoadIntoStartsRecordsOffline(t *testing.T) {
	in := strings.NewReader("v1 addr=0x02 type=Power version=1.0 status=Online\n")
	r := New(nil)
	if err := LoadInto(in, r, time.Now()); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}
	rec, ok := r.Get(0x02)
	if !ok {
		t.Fatal("expected a record after LoadInto")
	}
	if rec.Status != StatusOffline {
		t.Fatalf("Status = %v, want Offline even though the persisted line said Online", rec.Status)
	}
}
