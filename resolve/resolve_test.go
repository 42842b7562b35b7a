package resolve

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestResolveLiteralAddressSkipsDNS(t *testing.T) {
	r := New("127.0.0.1:53")
	calls := 0
	r.exchange = func(msg *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
		calls++
		return nil, 0, fmt.Errorf("should not be called")
	}

	addr, err := r.Resolve(context.Background(), "10.1.2.3", 40000)
	if err != nil {
		t.Fatal(err)
	}
	if addr.String() != "10.1.2.3:40000" {
		t.Errorf("expected literal address round-tripped, got %v", addr)
	}
	if calls != 0 {
		t.Errorf("expected no DNS exchange for a literal address")
	}
}

func TestResolveSucceedsOnFirstAttempt(t *testing.T) {
	r := New("127.0.0.1:53")
	r.exchange = func(msg *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
		resp := new(dns.Msg)
		resp.Rcode = dns.RcodeSuccess
		rr, err := dns.NewRR("backend.example.com. 60 IN A 93.184.216.34")
		if err != nil {
			t.Fatal(err)
		}
		resp.Answer = []dns.RR{rr}
		return resp, 0, nil
	}

	addr, err := r.Resolve(context.Background(), "backend.example.com", 40000)
	if err != nil {
		t.Fatal(err)
	}
	if addr.String() != "93.184.216.34:40000" {
		t.Errorf("expected resolved address, got %v", addr)
	}
}

func TestResolveRetriesThenSucceeds(t *testing.T) {
	r := New("127.0.0.1:53")
	attempts := 0
	r.exchange = func(msg *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
		attempts++
		if attempts < 3 {
			return nil, 0, fmt.Errorf("temporary failure")
		}
		resp := new(dns.Msg)
		resp.Rcode = dns.RcodeSuccess
		rr, _ := dns.NewRR("backend.example.com. 60 IN A 93.184.216.34")
		resp.Answer = []dns.RR{rr}
		return resp, 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.Resolve(ctx, "backend.example.com", 40000)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestResolveExhaustsRetriesAndFails(t *testing.T) {
	r := New("127.0.0.1:53")
	r.exchange = func(msg *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
		return nil, 0, fmt.Errorf("permanent failure")
	}

	_, err := r.Resolve(context.Background(), "backend.example.com", 40000)
	if err == nil {
		t.Errorf("expected error after exhausting retries")
	}
}
