package at

import (
	"context"
	"errors"
	"testing"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
)

func TestProbeOrder(t *testing.T) {
	unavailable := func(context.Context) (Transport, error) {
		return nil, errdefs.ErrTransportUnavailable
	}
	var opened []Kind
	available := func(k Kind) func(context.Context) (Transport, error) {
		return func(context.Context) (Transport, error) {
			opened = append(opened, k)
			return &fakeTransport{}, nil
		}
	}

	tests := []struct {
		name       string
		candidates []Candidate
		want       Kind
		wantErr    bool
	}{
		{"mbim first", []Candidate{{KindMBIM, available(KindMBIM)}, {KindCLI, available(KindCLI)}, {KindSerial, available(KindSerial)}}, KindMBIM, false},
		{"cli fallback", []Candidate{{KindMBIM, unavailable}, {KindCLI, available(KindCLI)}, {KindSerial, available(KindSerial)}}, KindCLI, false},
		{"serial last", []Candidate{{KindMBIM, unavailable}, {KindCLI, unavailable}, {KindSerial, available(KindSerial)}}, KindSerial, false},
		{"none", []Candidate{{KindMBIM, unavailable}, {KindCLI, unavailable}, {KindSerial, unavailable}}, KindNone, true},
		{"empty", nil, KindNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opened = nil
			p, err := ProbeTransports(context.Background(), tt.candidates...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ProbeTransports() error = %v", err)
			}
			if err != nil && !errors.Is(err, errdefs.ErrTransportUnavailable) {
				t.Errorf("error %v does not wrap ErrTransportUnavailable", err)
			}
			if p.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", p.Kind, tt.want)
			}
			if len(opened) > 1 {
				t.Errorf("opened %v after the first success", opened)
			}
		})
	}
}
