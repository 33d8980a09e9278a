package at

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
)

// fakeTransport answers from a queue of replies and records what it sent.
type fakeTransport struct {
	replies []fakeReply
	sent    []string
	reinits int
}

type fakeReply struct {
	raw   string
	err   error
	block bool
}

func (f *fakeTransport) Exchange(ctx context.Context, cmd string) (string, error) {
	f.sent = append(f.sent, cmd)
	if len(f.replies) == 0 {
		return "", errors.New("no reply queued")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return r.raw, r.err
}

func (f *fakeTransport) Close() error { return nil }

type reinitTransport struct{ *fakeTransport }

func (r reinitTransport) Reinit(context.Context) error {
	r.reinits++
	return nil
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		cid     command.ID
		param   string
		want    string
		wantErr bool
	}{
		{"plain", command.CidMadptGetIMSI, "", "AT+CIMI", false},
		{"quoted", command.CidMadptSetPreferredCarrier, "VERIZON", `AT*BSETCARRIER="VERIZON"`, false},
		{"raw", command.CidMadptSetRadio, "4", "AT+CFUN=4", false},
		{"unexpected param", command.CidMadptGetIMSI, "x", "", true},
		{"missing param", command.CidMadptSetOemVersion, "", "", true},
		{"quote in param", command.CidMadptSetOemVersion, `a"b`, "", true},
		{"not an AT id", command.CidPrefGetSimCarrier, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Build(tt.cid, tt.param)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Build() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name       string
		cid        command.ID
		param      string
		reply      fakeReply
		wantStatus message.Status
		wantText   string
		wantDegr   bool
		wantErr    error
	}{
		{
			name:       "ok",
			cid:        command.CidMadptGetIMSI,
			reply:      fakeReply{raw: "AT+CIMI\r\n310150123456789\r\n\r\nOK\r\n"},
			wantStatus: message.StatusOk,
			wantText:   "310150123456789",
		},
		{
			name:       "tag stripped",
			cid:        command.CidMadptGetFwVersion,
			reply:      fakeReply{raw: "\r\n*BFWVER: SWI9X50C_01.14.03.00\r\n\r\nOK\r\n"},
			wantStatus: message.StatusOk,
			wantText:   "SWI9X50C_01.14.03.00",
		},
		{
			name:       "error",
			cid:        command.CidMadptDeleteTuneCode,
			reply:      fakeReply{raw: "\r\nERROR\r\n"},
			wantStatus: message.StatusError,
			wantErr:    errdefs.ErrDeviceRejected,
		},
		{
			name:       "degraded",
			cid:        command.CidMadptGetSKU,
			reply:      fakeReply{raw: "\r\n*BSKU: 1104"},
			wantStatus: message.StatusOk,
			wantText:   "*BSKU: 1104",
			wantDegr:   true,
		},
		{
			name:       "timeout",
			cid:        command.CidMadptGetSKU,
			reply:      fakeReply{block: true},
			wantStatus: message.StatusTimeout,
			wantErr:    errdefs.ErrTimeout,
		},
		{
			name:       "bad parameter never reaches transport",
			cid:        command.CidMadptSetOemVersion,
			wantStatus: message.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{replies: []fakeReply{tt.reply}}
			d := NewDispatcher(Probe{Kind: KindSerial, Transport: ft}, WithTimeout(20*time.Millisecond))

			res, err := d.Dispatch(context.Background(), tt.cid, tt.param)
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Dispatch() error = %v, want %v", err, tt.wantErr)
			}
			if res.Status != tt.wantStatus || res.Text != tt.wantText || res.Degraded != tt.wantDegr {
				t.Errorf("Dispatch() = %+v", res)
			}
		})
	}
}

func TestDispatchReinit(t *testing.T) {
	ft := &fakeTransport{replies: []fakeReply{
		{raw: "ERROR\r\n"},
		{block: true},
		{raw: "ERROR\r\n"},
		{raw: "OK\r\n"},
		{raw: "ERROR\r\n"},
	}}
	rt := reinitTransport{ft}
	d := NewDispatcher(Probe{Kind: KindMBIM, Transport: rt}, WithTimeout(20*time.Millisecond), WithErrorCeiling(2))

	for i := 0; i < 5; i++ {
		_, _ = d.Dispatch(context.Background(), command.CidMadptEchoOff, "")
	}

	// error, timeout -> reinit; error, ok resets; error.
	if ft.reinits != 1 {
		t.Errorf("reinits = %d, want 1", ft.reinits)
	}
	if len(ft.sent) != 5 {
		t.Errorf("sent %d commands, want 5", len(ft.sent))
	}
}

func TestDispatchNoReinitWithoutSupport(t *testing.T) {
	ft := &fakeTransport{replies: []fakeReply{{raw: "ERROR"}, {raw: "ERROR"}, {raw: "ERROR"}}}
	d := NewDispatcher(Probe{Kind: KindSerial, Transport: ft})
	for i := 0; i < 3; i++ {
		_, _ = d.Dispatch(context.Background(), command.CidMadptEchoOff, "")
	}
	if d.consecutive != 3 {
		t.Errorf("consecutive = %d, want 3", d.consecutive)
	}
}
