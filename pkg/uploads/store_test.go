package uploads

import (
	"errors"
	"strings"
	"testing"
)

func TestPutAndGet(t *testing.T) {
	s := NewStore(1, 1)
	f, err := s.Put("notes.txt", "text/plain", []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(f.ID, "file-") {
		t.Fatalf("id = %q", f.ID)
	}
	got, err := s.Get(f.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != "hello" || got.Name != "notes.txt" || got.Size != 5 {
		t.Fatalf("file = %+v", got)
	}
}

func TestPutRejectsOversizedFile(t *testing.T) {
	s := NewStore(1, 1)
	_, err := s.Put("big.bin", "application/octet-stream", make([]byte, 2<<20))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v", err)
	}
}

func TestPutRejectsUnsupportedType(t *testing.T) {
	s := NewStore(1, 1)
	_, err := s.Put("app.exe", "application/x-msdownload", []byte("MZ"))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v", err)
	}
}

func TestTypeAllowedStripsParameters(t *testing.T) {
	if !typeAllowed("text/plain; charset=utf-8") {
		t.Fatal("charset parameter rejected")
	}
	if typeAllowed("application/x-shockwave-flash") {
		t.Fatal("unknown application type accepted")
	}
}

func TestDeleteAndList(t *testing.T) {
	s := NewStore(1, 1)
	f1, _ := s.Put("a.txt", "text/plain", []byte("a"))
	f2, _ := s.Put("b.png", "image/png", []byte("b"))

	if err := s.Delete(f1.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(f1.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}

	list := s.List()
	if len(list) != 1 || list[0].ID != f2.ID {
		t.Fatalf("list = %+v", list)
	}
	if list[0].Data != nil {
		t.Fatal("list leaked payload bytes")
	}
}

func TestGetUnknownID(t *testing.T) {
	s := NewStore(1, 1)
	if _, err := s.Get("file-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
