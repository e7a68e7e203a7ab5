package cache

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteTemplate_HeaderAndSentinels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template")
	if err := WriteTemplate(path, 10); err != nil {
		t.Fatalf("write template: %v", err)
	}

	if err := ValidatePageFile(path); err != nil {
		t.Fatalf("validate template: %v", err)
	}

	bitmap, values, err := LoadAll(path, 10)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if BitmapFull(bitmap, 10) {
		t.Fatal("fresh template should not report full bitmap")
	}
	for i, v := range values {
		if !math.IsNaN(v) {
			t.Fatalf("cell %d: want NaN sentinel, got %v", i, v)
		}
	}
}

func TestWriteCells_ValueBeforeBit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page")
	if err := WriteTemplate(path, 10); err != nil {
		t.Fatalf("write template: %v", err)
	}

	if err := WriteCells(path, 10, 3, []float64{1, 2, 3}); err != nil {
		t.Fatalf("write cells: %v", err)
	}

	bitmap, values, err := LoadAll(path, 10)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	for i := 0; i < 10; i++ {
		present := BitSet(bitmap, i)
		wantPresent := i >= 3 && i < 6
		if present != wantPresent {
			t.Errorf("cell %d: bit present=%v, want %v", i, present, wantPresent)
		}
		if wantPresent && values[i] != float64(i-2) {
			t.Errorf("cell %d: value=%v, want %v", i, values[i], i-2)
		}
	}
	if BitmapFull(bitmap, 10) {
		t.Fatal("partially written page should not be full")
	}
}

func TestWriteCells_FullBitmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page")
	if err := WriteTemplate(path, 4); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteCells(path, 4, 0, []float64{10, 20, 30, 40}); err != nil {
		t.Fatalf("write cells: %v", err)
	}
	bitmap, _, err := LoadAll(path, 4)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if !BitmapFull(bitmap, 4) {
		t.Fatal("expected full bitmap after writing every cell")
	}
}

func TestValidatePageFile_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page")
	if err := WriteTemplate(path, 4); err != nil {
		t.Fatalf("write template: %v", err)
	}

	// Corrupt the magic in place.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteAt([]byte("XXXX"), 0); err != nil {
		t.Fatalf("corrupt magic: %v", err)
	}
	f.Close()

	err = ValidatePageFile(path)
	if !IsKind(err, KindMalformedPage) {
		t.Fatalf("expected KindMalformedPage, got %v", err)
	}
}

func TestReadCell_UnwrittenIsNotOK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page")
	if err := WriteTemplate(path, 4); err != nil {
		t.Fatalf("write template: %v", err)
	}
	_, ok, err := ReadCell(path, 4, 2)
	if err != nil {
		t.Fatalf("read cell: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for never-written cell")
	}
}
