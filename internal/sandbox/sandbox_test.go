package sandbox

import (
	"strings"
	"testing"
	"time"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	return New(key, "http://127.0.0.1:8443")
}

func TestRing2BwrapArgsMinimal(t *testing.T) {
	e := testEngine(t)
	cfg := DefaultConfig()
	args := e.BuildArgs(cfg, "echo hi")

	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--share-net") {
		t.Fatal("ring2 sandbox must never include --share-net")
	}
	if !strings.Contains(joined, "--unshare-all") {
		t.Fatal("expected --unshare-all")
	}
	if !strings.Contains(joined, "--die-with-parent") {
		t.Fatal("expected --die-with-parent")
	}
	if args[len(args)-3] != "--" || args[len(args)-2] != "/bin/sh" {
		t.Fatalf("expected trailing -- /bin/sh -c <cmd>, got %v", args[len(args)-3:])
	}
}

func TestRing1BwrapArgsWithNetwork(t *testing.T) {
	e := testEngine(t)
	cfg := Config{
		Ring:        Ring1,
		Network:     true,
		FSRead:      []string{"/data/in"},
		FSWrite:     []string{"/data/out"},
		TimeoutSecs: 30,
	}
	args := e.BuildArgs(cfg, "run-tool")
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "--share-net") {
		t.Fatal("expected --share-net for ring1 with network enabled")
	}
	if !strings.Contains(joined, "HTTPS_PROXY") || !strings.Contains(joined, e.egressProxy) {
		t.Fatal("expected egress proxy env vars set")
	}
	if !strings.Contains(joined, "/data/in") || !strings.Contains(joined, "/data/out") {
		t.Fatal("expected declared fs read/write binds")
	}
}

func TestRing1NoNetwork(t *testing.T) {
	e := testEngine(t)
	cfg := Config{Ring: Ring1, Network: false}
	args := e.BuildArgs(cfg, "run-tool")
	if strings.Contains(strings.Join(args, " "), "--share-net") {
		t.Fatal("ring1 without Network must not share net")
	}
}

func TestMintAndVerifyCapability(t *testing.T) {
	e := testEngine(t)
	tok := e.MintCapability("agent-1", []string{"fs.read", "fs.write"}, time.Minute)

	ok, err := e.VerifyCapability(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected freshly minted capability to verify")
	}
}

func TestExpiredCapabilityFailsVerification(t *testing.T) {
	e := testEngine(t)
	tok := e.MintCapability("agent-1", []string{"fs.read"}, -1*time.Second)

	ok, err := e.VerifyCapability(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected expired capability to fail verification")
	}
}

func TestTamperedCapabilityFailsVerification(t *testing.T) {
	e := testEngine(t)
	tok := e.MintCapability("agent-1", []string{"fs.read"}, time.Minute)
	tok.Permissions = append(tok.Permissions, "fs.write")

	ok, err := e.VerifyCapability(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected tampered capability to fail verification")
	}
}

func TestVerifyCapabilityWrongKeyFails(t *testing.T) {
	e1 := testEngine(t)
	var otherKey [32]byte
	for i := range otherKey {
		otherKey[i] = byte(255 - i)
	}
	e2 := New(otherKey, "http://127.0.0.1:8443")

	tok := e1.MintCapability("agent-1", []string{"fs.read"}, time.Minute)
	ok, err := e2.VerifyCapability(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected capability signed by a different key to fail verification")
	}
}
