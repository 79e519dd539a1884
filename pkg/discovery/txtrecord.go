package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rasta-protocol/rasta-go/pkg/transport"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeSocketTXT creates the TXT records of an advertised socket.
func EncodeSocketTXT(info SocketInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyVersion:  TXTVersion,
		TXTKeySocketID: strconv.Itoa(info.SocketID),
		TXTKeySecurity: info.Security.String(),
	}
	if info.Node != "" {
		txt[TXTKeyNode] = info.Node
	}
	return txt
}

// DecodeSocketTXT parses the TXT records of a socket service. Kind and Port
// are not part of the records and are left for the caller.
func DecodeSocketTXT(txt TXTRecordMap) (SocketInfo, error) {
	var info SocketInfo

	idStr, ok := txt[TXTKeySocketID]
	if !ok {
		return info, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeySocketID)
	}
	id, err := strconv.Atoi(idStr)
	if err != nil || id < 0 {
		return info, fmt.Errorf("%w: socket id %q", ErrInvalidTXTRecord, idStr)
	}
	info.SocketID = id

	// Older advertisers may omit the security key.
	if sec, ok := txt[TXTKeySecurity]; ok {
		info.Security, err = transport.ParseSecurityMode(sec)
		if err != nil {
			return info, fmt.Errorf("%w: %v", ErrInvalidTXTRecord, err)
		}
	}

	info.Node = txt[TXTKeyNode]
	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if k == "" {
			continue
		}
		if !found {
			// Key without value (boolean flag)
			v = ""
		}
		txt[k] = v
	}
	return txt
}

// InstanceName builds "<node>-<id>", truncated to the DNS label limit.
func InstanceName(node string, socketID int) string {
	suffix := "-" + strconv.Itoa(socketID)
	if len(node)+len(suffix) > MaxInstanceNameLen {
		node = node[:MaxInstanceNameLen-len(suffix)]
	}
	return node + suffix
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
