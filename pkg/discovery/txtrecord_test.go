package discovery

import (
	"errors"
	"strings"
	"testing"

	"github.com/rasta-protocol/rasta-go/pkg/transport"
)

func TestDecodeSocketTXT(t *testing.T) {
	tests := []struct {
		name    string
		txt     TXTRecordMap
		want    SocketInfo
		wantErr error
	}{
		{
			name: "Full",
			txt:  TXTRecordMap{"id": "7", "node": "ixl", "sec": "tls", "txtvers": "1"},
			want: SocketInfo{Node: "ixl", SocketID: 7, Security: transport.SecurityTLS},
		},
		{
			name: "NoSecurityKey",
			txt:  TXTRecordMap{"id": "0"},
			want: SocketInfo{SocketID: 0, Security: transport.SecurityNone},
		},
		{name: "MissingID", txt: TXTRecordMap{"node": "ixl"}, wantErr: ErrMissingRequired},
		{name: "NegativeID", txt: TXTRecordMap{"id": "-1"}, wantErr: ErrInvalidTXTRecord},
		{name: "BadID", txt: TXTRecordMap{"id": "one"}, wantErr: ErrInvalidTXTRecord},
		{name: "BadSecurity", txt: TXTRecordMap{"id": "1", "sec": "ssl"}, wantErr: ErrInvalidTXTRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSocketTXT(tt.txt)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DecodeSocketTXT() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got != tt.want {
				t.Errorf("DecodeSocketTXT() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSocketTXTRoundTrip(t *testing.T) {
	info := SocketInfo{Node: "rbc-2", SocketID: 12, Security: transport.SecurityDTLS}
	got, err := DecodeSocketTXT(StringsToTXTRecords(TXTRecordsToStrings(EncodeSocketTXT(info))))
	if err != nil {
		t.Fatal(err)
	}
	if got != info {
		t.Errorf("round trip = %+v, want %+v", got, info)
	}
}

func TestStringsToTXTRecords(t *testing.T) {
	txt := StringsToTXTRecords([]string{"a=1", "flag", "b=x=y", "=ignored", ""})
	if len(txt) != 3 || txt["a"] != "1" || txt["b"] != "x=y" {
		t.Errorf("StringsToTXTRecords() = %v", txt)
	}
	if v, ok := txt["flag"]; !ok || v != "" {
		t.Errorf("flag = %q, %v", v, ok)
	}
}

func TestInstanceName(t *testing.T) {
	if got := InstanceName("ixl", 3); got != "ixl-3" {
		t.Errorf("InstanceName() = %q", got)
	}

	long := InstanceName(strings.Repeat("n", 80), 42)
	if len(long) != MaxInstanceNameLen || !strings.HasSuffix(long, "-42") {
		t.Errorf("long InstanceName() = %q (%d)", long, len(long))
	}
	if err := ValidateInstanceName(long); err != nil {
		t.Errorf("ValidateInstanceName(long) = %v", err)
	}
	if err := ValidateInstanceName(""); !errors.Is(err, ErrInstanceNameTooLong) {
		t.Errorf("ValidateInstanceName(\"\") = %v", err)
	}
	if err := ValidateInstanceName(strings.Repeat("x", 64)); !errors.Is(err, ErrInstanceNameTooLong) {
		t.Errorf("ValidateInstanceName(64) = %v", err)
	}
}

func TestServiceType(t *testing.T) {
	if ServiceType(transport.KindTCP) != ServiceTypeTCP || ServiceType(transport.KindUDP) != ServiceTypeUDP {
		t.Error("ServiceType mapping")
	}
}

func TestAddressSets(t *testing.T) {
	got := mergeAddresses([]string{"a"}, []string{"a", "b", "b"})
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("mergeAddresses() = %v", got)
	}
	got = removeAddresses([]string{"a", "b", "c"}, []string{"b"})
	if strings.Join(got, ",") != "a,c" {
		t.Errorf("removeAddresses() = %v", got)
	}
}
