package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"capy-firmware/pkg/blesim"
)

func TestSend_Demo(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"send", "--demo", "--ssid", "home", "--password", "secret123", "--token", "ghp_abcdefgh"})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v, want nil\n%s", err, out.String())
	}

	got := out.String()
	for _, want := range []string{"provisioned CapyCoder (" + blesim.PeripheralAddress + ")", "ssid:     home", "token:    ghp_"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "secret123") {
		t.Errorf("output leaks the password:\n%s", got)
	}
}

func TestSend_DemoRejectsLongSSID(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"send", "--demo", "--ssid", strings.Repeat("s", 30), "--token", "ghp_x"})

	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("Execute() error = nil, want value too long")
	}
}

func TestScan_Demo(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"scan", "--demo"})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v, want nil", err)
	}
	if !strings.Contains(out.String(), "CapyCoder") {
		t.Errorf("scan output = %q, want a CapyCoder entry", out.String())
	}
}
