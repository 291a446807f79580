package filepool

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPreadPwrite_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f0")
	if err := os.WriteFile(path, make([]byte, 64), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(4)
	defer p.Close()
	p.Register(0, path, os.O_RDWR)

	payload := []byte("numstore-filepool")
	if err := p.Pwrite(Addr{File: 0, Offset: 8}, payload); err != nil {
		t.Fatalf("pwrite: %v", err)
	}
	got := make([]byte, len(payload))
	if err := p.Pread(Addr{File: 0, Offset: 8}, got); err != nil {
		t.Fatalf("pread: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestClockEviction_BoundsOpenDescriptors(t *testing.T) {
	dir := t.TempDir()
	const n = 10
	p := New(3)
	defer p.Close()

	for i := 0; i < n; i++ {
		path := filepath.Join(dir, "seg")
		os.WriteFile(path, make([]byte, 16), 0644)
		p.Register(FileID(i), path, os.O_RDWR)
	}
	for i := 0; i < n; i++ {
		buf := make([]byte, 4)
		if err := p.Pread(Addr{File: FileID(i), Offset: 0}, buf); err != nil {
			t.Fatalf("pread file %d: %v", i, err)
		}
	}
	if got := p.OpenCount(); got > 3 {
		t.Fatalf("open descriptors = %d, want <= 3 (pool cap)", got)
	}
}

func TestPread_UnregisteredFileErrors(t *testing.T) {
	p := New(2)
	defer p.Close()
	if err := p.Pread(Addr{File: 99}, make([]byte, 1)); err == nil {
		t.Fatal("expected error for unregistered file")
	}
}

func TestUnregister_ClosesDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f0")
	os.WriteFile(path, make([]byte, 16), 0644)

	p := New(4)
	defer p.Close()
	p.Register(0, path, os.O_RDWR)
	p.Pread(Addr{File: 0}, make([]byte, 4))
	if p.OpenCount() != 1 {
		t.Fatalf("expected 1 open descriptor")
	}
	if err := p.Unregister(0); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if p.OpenCount() != 0 {
		t.Fatal("expected descriptor closed after unregister")
	}
}

func TestPageAndLSNAddrConversion(t *testing.T) {
	addr := PageToAddr(3, 4096)
	if addr.File != 0 || addr.Offset != 3*4096 {
		t.Fatalf("PageToAddr = %+v", addr)
	}
	lsnAddr := LSNToAddr(12345)
	if lsnAddr.File != 1 || lsnAddr.Offset != 12345 {
		t.Fatalf("LSNToAddr = %+v", lsnAddr)
	}
}
