package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	want := []string{"providers", "login", "add-user", "recharge", "redeem", "change-password", "balance", "agent-balance"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestOperationRequiresProvider(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"agent-balance"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "--provider is required") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestRechargeArgs(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"recharge", "player1"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected argument count error")
	}
}

func TestParseAmount(t *testing.T) {
	if v, err := parseAmount("12.50"); err != nil || v != 12.5 {
		t.Errorf("parseAmount(12.50) = %v, %v", v, err)
	}
	if _, err := parseAmount("ten"); err == nil {
		t.Error("expected error for non-numeric amount")
	}
}

func TestLoginArgs(t *testing.T) {
	if err := loginArgs(nil, nil); err != nil {
		t.Errorf("no arguments: %v", err)
	}
	if err := loginArgs(nil, []string{"alice", "pw"}); err != nil {
		t.Errorf("username and password: %v", err)
	}
	if err := loginArgs(nil, []string{"alice"}); err == nil {
		t.Error("expected error for username without password")
	}
}
