package mediasystem

import "testing"

func TestGetReleaseRefcount(t *testing.T) {
	ms1, err := Get("t1", Config{})
	if err != nil {
		t.Fatal(err)
	}
	ms2, err := Get("t2", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if ms1 != ms2 {
		t.Fatal("expected same singleton instance")
	}

	Release()
	// Still referenced once more.
	ms3, err := Get("t3", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if ms3 != ms1 {
		t.Fatal("expected singleton to survive single release")
	}

	Release()
	Release()
}

func TestSetCallConfigDecodesURIs(t *testing.T) {
	ms, err := Get("cfg", Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer Release()

	err = ms.SetCallConfig([]RawICEServer{
		{URL: "stun:stun.example.com:3478", Username: "", Credential: ""},
		{URL: "turn:turn.example.com:3478?transport=tcp", Username: "u", Credential: "p"},
		{URL: "not-a-uri", Username: "", Credential: ""},
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := ms.CallConfig()
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("expected 2 valid ice servers (malformed skipped), got %d", len(cfg.ICEServers))
	}
	if cfg.ICEServers[0].Scheme != "stun" || cfg.ICEServers[0].Transport != "udp" {
		t.Fatalf("unexpected decode: %+v", cfg.ICEServers[0])
	}
	if cfg.ICEServers[1].Scheme != "turn" || cfg.ICEServers[1].Transport != "tcp" || cfg.ICEServers[1].Username != "u" {
		t.Fatalf("unexpected decode: %+v", cfg.ICEServers[1])
	}
}

func TestEnterLeaveNoopOnEventLoopThread(t *testing.T) {
	ms, err := Get("loop", Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer Release()

	ms.SetTid(42)
	// On the event-loop thread: Enter/Leave must not deadlock or block.
	ms.Enter(42)
	ms.Leave(42)

	done := make(chan struct{})
	go func() {
		ms.Enter(7)
		ms.Leave(7)
		close(done)
	}()
	<-done
}
