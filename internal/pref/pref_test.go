package pref

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
	"github.com/autopeer-io/modempeer/internal/pkg/status"
	"github.com/autopeer-io/modempeer/pkg/options"
)

type fakeModem struct {
	imsi  string
	err   error
	calls int
}

func (f *fakeModem) Request(ctx context.Context, cid command.ID, content string, timeout time.Duration) (message.Message, error) {
	f.calls++
	if f.err != nil {
		return message.Message{Status: message.StatusTimeout}, f.err
	}
	return message.Message{Status: message.StatusOk, Response: f.imsi}, nil
}

func newTestPref(t *testing.T, m *fakeModem) *Pref {
	t.Helper()
	store, err := status.Open(filepath.Join(t.TempDir(), "status"))
	if err != nil {
		t.Fatal(err)
	}
	o := options.NewCarrierOptions()
	return &Pref{
		store:     store,
		carrier:   NewCarrierTable(o.Table, o.Preferred),
		requester: m,
		timeout:   time.Second,
	}
}

func TestCarrierLookup(t *testing.T) {
	c := NewCarrierTable(map[string]string{"310410": "ATT", "26201": "TDG"}, "GENERIC")

	tests := []struct {
		imsi string
		want string
		ok   bool
	}{
		{"310410123456789", "ATT", true},
		{"262011234567890", "TDG", true},
		{" 310410123456789\r", "ATT", true},
		{"999990000000000", "", false},
		{"3104", "", false},
		{"ERROR", "", false},
	}
	for _, tt := range tests {
		got, ok := c.Lookup(tt.imsi)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Lookup(%q) = %q, %v", tt.imsi, got, ok)
		}
	}
}

func request(t *testing.T, cid command.ID, content string) message.Message {
	t.Helper()
	m, err := message.New(command.IdentityFwupdate, cid, content)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestHandleCarrier(t *testing.T) {
	p := newTestPref(t, &fakeModem{imsi: "311480000000001"})

	got := p.Handle(context.Background(), request(t, command.CidPrefGetSimCarrier, ""))
	if got.Status != message.StatusOk || got.Response != "VERIZON" {
		t.Errorf("sim carrier = %s %q", got.Status, got.Response)
	}
	got = p.Handle(context.Background(), request(t, command.CidPrefGetPreferredCarrier, ""))
	if got.Response != "VERIZON" {
		t.Errorf("preferred carrier = %q", got.Response)
	}
}

func TestPreferredFallback(t *testing.T) {
	p := newTestPref(t, &fakeModem{err: errdefs.ErrTimeout})

	got := p.Handle(context.Background(), request(t, command.CidPrefGetSimCarrier, ""))
	if got.Status != message.StatusTimeout {
		t.Errorf("sim carrier status = %s, want Timeout", got.Status)
	}
	got = p.Handle(context.Background(), request(t, command.CidPrefGetPreferredCarrier, ""))
	if got.Status != message.StatusOk || got.Response != "GENERIC" {
		t.Errorf("preferred carrier = %s %q", got.Status, got.Response)
	}
}

func TestUpdateNotifications(t *testing.T) {
	m := &fakeModem{imsi: "310260000000001"}
	p := newTestPref(t, m)

	if got := p.Handle(context.Background(), request(t, command.CidPrefGetSimCarrier, "")); got.Response != "TMOBILE" {
		t.Fatalf("sim carrier = %q", got.Response)
	}
	p.Handle(context.Background(), request(t, command.CidPrefUpdateStarted, "02.14"))

	m.err = errdefs.ErrTimeout
	if got := p.Handle(context.Background(), request(t, command.CidPrefGetSimCarrier, "")); got.Response != "TMOBILE" {
		t.Errorf("carrier during update = %s %q", got.Status, got.Response)
	}
	if m.calls != 1 {
		t.Errorf("modem queried %d times during update", m.calls)
	}

	p.Handle(context.Background(), request(t, command.CidPrefUpdateFinished, "ok"))
	v := p.store.Snapshot()
	if !strings.HasSuffix(v[status.KeyUpdateStarted], " 02.14") || !strings.HasSuffix(v[status.KeyUpdateFinished], " ok") {
		t.Errorf("persisted notifications = %v", v)
	}
}

func TestPreferredCarrierAfterTimeout(t *testing.T) {
	tests := []struct {
		name      string
		imsi      string
		advance   time.Duration
		want      string
		wantCalls int
	}{
		{"fallback without asking again", "", 0, "GENERIC", 1},
		{"last known carrier", "310410000000001", 0, "ATT", 2},
		{"hold off expired", "", simHoldOff + time.Second, "GENERIC", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeModem{imsi: tt.imsi}
			p := newTestPref(t, m)
			now := time.Unix(1_700_000_000, 0)
			p.now = func() time.Time { return now }

			if tt.imsi != "" {
				if _, err := p.SimCarrier(context.Background()); err != nil {
					t.Fatal(err)
				}
			}
			m.err = errdefs.ErrTimeout
			if got := p.Handle(context.Background(), request(t, command.CidPrefGetSimCarrier, "")); got.Status != message.StatusTimeout {
				t.Fatalf("sim carrier status = %s, want Timeout", got.Status)
			}

			now = now.Add(tt.advance)
			got := p.Handle(context.Background(), request(t, command.CidPrefGetPreferredCarrier, ""))
			if got.Status != message.StatusOk || got.Response != tt.want {
				t.Errorf("preferred carrier = %s %q, want %q", got.Status, got.Response, tt.want)
			}
			if m.calls != tt.wantCalls {
				t.Errorf("modem queried %d times, want %d", m.calls, tt.wantCalls)
			}
		})
	}
}
