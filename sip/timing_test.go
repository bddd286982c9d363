package sip_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/sip"
)

func TestTimingConfig_Defaults(t *testing.T) {
	t.Parallel()

	var c sip.TimingConfig
	if !c.IsZero() {
		t.Fatal("zero config IsZero() = false, want true")
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"T1", c.T1(), 500 * time.Millisecond},
		{"T2", c.T2(), 4 * time.Second},
		{"T4", c.T4(), 5 * time.Second},
		{"TimeA", c.TimeA(), 500 * time.Millisecond},
		{"TimeB", c.TimeB(), 32 * time.Second},
		{"TimeD", c.TimeD(), 32 * time.Second},
		{"TimeE", c.TimeE(), 500 * time.Millisecond},
		{"TimeF", c.TimeF(), 32 * time.Second},
		{"TimeG", c.TimeG(), 500 * time.Millisecond},
		{"TimeH", c.TimeH(), 32 * time.Second},
		{"TimeI", c.TimeI(), 5 * time.Second},
		{"TimeJ", c.TimeJ(), 32 * time.Second},
		{"TimeK", c.TimeK(), 5 * time.Second},
		{"TimeL", c.TimeL(), 32 * time.Second},
		{"TimeM", c.TimeM(), 32 * time.Second},
		{"Time100", c.Time100(), 200 * time.Millisecond},
		{"Linger", c.Linger(), 5 * time.Second},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("c.%s() = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestTimingConfig_Custom(t *testing.T) {
	t.Parallel()

	c := sip.NewTimings(100*time.Millisecond, time.Second, 2*time.Second, 10*time.Second, -1)
	if c.IsZero() {
		t.Fatal("c.IsZero() = true, want false")
	}
	if got, want := c.TimeB(), 6400*time.Millisecond; got != want {
		t.Errorf("c.TimeB() = %v, want %v", got, want)
	}
	if got, want := c.TimeD(), 10*time.Second; got != want {
		t.Errorf("c.TimeD() = %v, want %v", got, want)
	}
	if got, want := c.TimeK(), 2*time.Second; got != want {
		t.Errorf("c.TimeK() = %v, want %v", got, want)
	}
	if got := c.Time100(); got >= 0 {
		t.Errorf("c.Time100() = %v, want negative", got)
	}

	if got, want := c.WithLinger(time.Minute).Linger(), time.Minute; got != want {
		t.Errorf("c.WithLinger(1m).Linger() = %v, want %v", got, want)
	}
	if got := c.WithLinger(-1).Linger(); got != 0 {
		t.Errorf("c.WithLinger(-1).Linger() = %v, want 0", got)
	}
}

func TestTimingConfig_JSON(t *testing.T) {
	t.Parallel()

	c := sip.NewTimings(time.Second, 0, 0, 0, 0).WithLinger(time.Minute)
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("json.Marshal(c) error = %v, want nil", err)
	}
	if got, want := string(data), `{"t1":1000000000,"linger":60000000000}`; got != want {
		t.Fatalf("json.Marshal(c) = %s, want %s", got, want)
	}

	var got sip.TimingConfig
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal(data, &c) error = %v, want nil", err)
	}
	if got != c {
		t.Fatalf("json.Unmarshal(data) = %+v, want %+v", got, c)
	}
}
