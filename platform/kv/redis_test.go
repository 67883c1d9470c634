package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestParseOptionsKeepsAddressAndDB(t *testing.T) {
	opt, err := ParseOptions("redis://:secret@localhost:6380/2", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.Addr != "localhost:6380" || opt.DB != 2 || opt.Password != "secret" {
		t.Fatalf("unexpected options: addr=%s db=%d", opt.Addr, opt.DB)
	}
	if opt.TLSConfig != nil {
		t.Fatal("expected no TLS config for redis:// URL")
	}
}

func TestParseOptionsInsecureTLS(t *testing.T) {
	opt, err := ParseOptions("redis://localhost:6379/0", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.TLSConfig == nil || !opt.TLSConfig.InsecureSkipVerify {
		t.Fatal("expected insecure TLS config")
	}
}

func TestParseOptionsRequiresURL(t *testing.T) {
	if _, err := ParseOptions("", false); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestPingerReportsAvailability(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pinger := NewPinger(client)
	if err := pinger.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr.Close()
	if err := pinger.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail once redis is gone")
	}
}
