package config

import "testing"

func TestParseInterfacesMarksExternal(t *testing.T) {
	ifaces, err := ParseInterfaces("eth0,eth1", "eth1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ifaces) != 2 {
		t.Fatalf("expected 2 interfaces, got %+v", ifaces)
	}
	if ifaces[0].IsExternal {
		t.Fatalf("eth0 should not be marked external: %+v", ifaces[0])
	}
	if !ifaces[1].IsExternal {
		t.Fatalf("eth1 should be marked external: %+v", ifaces[1])
	}
}

func TestParseInterfacesTrimsAndSkipsEmpty(t *testing.T) {
	ifaces, err := ParseInterfaces(" eth0 , , eth1 ", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ifaces) != 2 || ifaces[0].Name != "eth0" || ifaces[1].Name != "eth1" {
		t.Fatalf("unexpected interfaces: %+v", ifaces)
	}
}

func TestParseInterfacesRejectsEmpty(t *testing.T) {
	if _, err := ParseInterfaces("", ""); err == nil {
		t.Fatal("expected an error for an empty interface list")
	}
	if _, err := ParseInterfaces("   ", ""); err == nil {
		t.Fatal("expected an error for a blank interface list")
	}
}

func TestArgMaxHasASaneFloor(t *testing.T) {
	if got := ArgMax(); got < 4096 {
		t.Fatalf("expected a sane ARG_MAX floor, got %d", got)
	}
}
