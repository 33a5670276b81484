package discovery

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/miekg/dns"
)

func TestEncodeTXT(t *testing.T) {
	t.Run("sorted framing", func(t *testing.T) {
		got, err := EncodeTXT(map[string]string{
			"transport":     "multicast",
			"HeartBeatPort": "4321",
			"host":          "237.1.2.100",
		})
		if err != nil {
			t.Fatalf("EncodeTXT() error = %v", err)
		}

		var want []byte
		for _, s := range []string{"HeartBeatPort=4321", "host=237.1.2.100", "transport=multicast"} {
			want = append(want, byte(len(s)))
			want = append(want, s...)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("EncodeTXT() = %q, want %q", got, want)
		}
	})

	t.Run("empty map", func(t *testing.T) {
		got, err := EncodeTXT(nil)
		if err != nil {
			t.Fatalf("EncodeTXT() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("EncodeTXT(nil) = %q, want empty", got)
		}
	})

	t.Run("empty value", func(t *testing.T) {
		got, err := EncodeTXT(map[string]string{"flag": ""})
		if err != nil {
			t.Fatalf("EncodeTXT() error = %v", err)
		}
		want := append([]byte{5}, "flag="...)
		if !bytes.Equal(got, want) {
			t.Errorf("EncodeTXT() = %q, want %q", got, want)
		}
	})
}

func TestValidateTXTEntry(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr error
	}{
		{"fits exactly", "k", strings.Repeat("v", 253), nil},
		{"one byte over", "k", strings.Repeat("v", 254), ErrTXTEntryTooLong},
		{"long key", strings.Repeat("k", 200), strings.Repeat("v", 60), ErrTXTEntryTooLong},
		{"empty key", "", "v", ErrInvalidTXTKey},
		{"key with equals", "a=b", "v", ErrInvalidTXTKey},
		{"ordinary", "host", "10.0.0.1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTXTEntry(tt.key, tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateTXTEntry() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTXTRoundTrip(t *testing.T) {
	tests := []map[string]string{
		{},
		{"a": "1"},
		{"HeartBeatPort": "5000", "host": "237.1.2.100", "transport": "multicast"},
		{"empty": "", "eq": "x=y=z", "space": "a b c"},
		{"max": strings.Repeat("x", 251)},
	}

	for _, in := range tests {
		buf, err := EncodeTXT(in)
		if err != nil {
			t.Fatalf("EncodeTXT(%v) error = %v", in, err)
		}
		out, err := DecodeTXT(buf)
		if err != nil {
			t.Fatalf("DecodeTXT() error = %v", err)
		}
		if !reflect.DeepEqual(out, in) {
			t.Errorf("round trip of %v = %v", in, out)
		}
	}
}

func TestDecodeTXT(t *testing.T) {
	t.Run("key without value", func(t *testing.T) {
		got, err := DecodeTXT(append([]byte{4}, "flag"...))
		if err != nil {
			t.Fatalf("DecodeTXT() error = %v", err)
		}
		if v, ok := got["flag"]; !ok || v != "" {
			t.Errorf("DecodeTXT() = %v, want flag with empty value", got)
		}
	})

	t.Run("first duplicate wins", func(t *testing.T) {
		buf := FrameTXTStrings([]string{"a=1", "a=2"})
		got, _ := DecodeTXT(buf)
		if got["a"] != "1" {
			t.Errorf("DecodeTXT() a = %q, want 1", got["a"])
		}
	})

	t.Run("zero length strings skipped", func(t *testing.T) {
		buf := []byte{0, 3, 'a', '=', '1', 0}
		got, err := DecodeTXT(buf)
		if err != nil {
			t.Fatalf("DecodeTXT() error = %v", err)
		}
		if len(got) != 1 || got["a"] != "1" {
			t.Errorf("DecodeTXT() = %v", got)
		}
	})

	t.Run("overrun keeps prefix", func(t *testing.T) {
		buf := append(FrameTXTStrings([]string{"a=1"}), 9, 'b')
		got, err := DecodeTXT(buf)
		if !errors.Is(err, ErrInvalidTXTRecord) {
			t.Fatalf("DecodeTXT() error = %v, want ErrInvalidTXTRecord", err)
		}
		if got["a"] != "1" {
			t.Errorf("DecodeTXT() = %v, want prefix entries", got)
		}
	})
}

func TestEncodeTXTMatchesDNSWireFormat(t *testing.T) {
	text := map[string]string{
		"HeartBeatPort": "5001",
		"host":          "237.1.2.100",
		"transport":     "multicast",
	}

	rr := &dns.TXT{
		Hdr: dns.RR_Header{Name: "Radar1._scPub._tcp.local.", Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 120},
		Txt: TXTStrings(text),
	}
	msg := make([]byte, 1024)
	off, err := dns.PackRR(rr, msg, 0, nil, false)
	if err != nil {
		t.Fatalf("PackRR() error = %v", err)
	}

	want, err := EncodeTXT(text)
	if err != nil {
		t.Fatalf("EncodeTXT() error = %v", err)
	}
	rdata := msg[off-len(want) : off]
	if !bytes.Equal(rdata, want) {
		t.Errorf("TXT rdata = %q, want %q", rdata, want)
	}
}
