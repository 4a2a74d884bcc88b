package tokencache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradecopy/internal/domain"
	"tradecopy/internal/telemetry"
)

func testMetrics() *telemetry.Metrics {
	return telemetry.NewMetrics(prometheus.NewRegistry())
}

type fakeRefresher struct {
	calls   int32
	token   Token
	err     error
	delay   time.Duration
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return Token{}, f.err
	}
	return f.token, nil
}

func TestGetReturnsSeededTokenWithoutRenewing(t *testing.T) {
	refresher := &fakeRefresher{}
	c := New(context.Background(), Config{Skew: time.Minute}, refresher, nil, testMetrics())
	c.Seed("acct-1", Token{AccessToken: "tok-1", ExpiresAt: time.Now().Add(time.Hour)})

	tok, err := c.Get(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok.AccessToken != "tok-1" {
		t.Fatalf("access token = %q, want tok-1", tok.AccessToken)
	}
	if atomic.LoadInt32(&refresher.calls) != 0 {
		t.Fatal("expected no refresh call for a fresh token")
	}
}

func TestGetRenewsExpiringToken(t *testing.T) {
	refresher := &fakeRefresher{token: Token{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}}
	c := New(context.Background(), Config{Skew: time.Minute}, refresher, nil, testMetrics())
	c.Seed("acct-1", Token{AccessToken: "stale", ExpiresAt: time.Now().Add(10 * time.Second)})

	tok, err := c.Get(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok.AccessToken != "fresh" {
		t.Fatalf("access token = %q, want fresh", tok.AccessToken)
	}
	if atomic.LoadInt32(&refresher.calls) != 1 {
		t.Fatalf("refresh calls = %d, want 1", refresher.calls)
	}
}

func TestGetWithNoCachedTokenAlwaysRenews(t *testing.T) {
	refresher := &fakeRefresher{token: Token{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}}
	c := New(context.Background(), Config{Skew: time.Minute}, refresher, nil, testMetrics())

	tok, err := c.Get(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok.AccessToken != "fresh" {
		t.Fatalf("access token = %q, want fresh", tok.AccessToken)
	}
}

func TestConcurrentGetsShareOneRenewal(t *testing.T) {
	refresher := &fakeRefresher{
		token: Token{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)},
		delay: 100 * time.Millisecond,
	}
	c := New(context.Background(), Config{Skew: time.Minute}, refresher, nil, testMetrics())
	c.Seed("acct-1", Token{AccessToken: "stale", ExpiresAt: time.Now().Add(time.Second)})

	results := make(chan Token, 5)
	for i := 0; i < 5; i++ {
		go func() {
			tok, err := c.Get(context.Background(), "acct-1")
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			results <- tok
		}()
	}
	for i := 0; i < 5; i++ {
		tok := <-results
		if tok.AccessToken != "fresh" {
			t.Fatalf("access token = %q, want fresh", tok.AccessToken)
		}
	}
	if atomic.LoadInt32(&refresher.calls) != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1 (serialized renewal)", refresher.calls)
	}
}

func TestRefreshWithBackoffEscalatesInvalidGrant(t *testing.T) {
	notified := make(chan string, 1)
	refresher := &fakeRefresher{err: errors.New("oauth error: invalid_grant")}
	c := New(context.Background(), Config{Skew: time.Minute}, refresher, func(accountID string) {
		notified <- accountID
	}, testMetrics())
	c.Seed("acct-1", Token{AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Hour)})

	_, err := c.Get(context.Background(), "acct-1")
	if !errors.Is(err, domain.ErrRequiresReauth) {
		t.Fatalf("err = %v, want ErrRequiresReauth", err)
	}

	select {
	case accountID := <-notified:
		if accountID != "acct-1" {
			t.Fatalf("notified account = %q, want acct-1", accountID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected reauth notification")
	}
	if atomic.LoadInt32(&refresher.calls) != 1 {
		t.Fatalf("refresh calls = %d, want 1 (no retry on invalid_grant)", refresher.calls)
	}
}
