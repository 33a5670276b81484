package discovery

import (
	"fmt"
	"sort"
	"strings"
)

// MaxTXTEntryLength is the largest key+"="+value a TXT string can hold.
const MaxTXTEntryLength = 255

// Well-known TXT keys.
const (
	// TXTKeyHost overrides the host a client should connect to.
	TXTKeyHost = "host"

	// TXTKeyTransport names the data transport ("multicast", "tcp").
	TXTKeyTransport = "transport"

	// TXTKeyHeartBeatPort is the UDP port accepting heartbeat datagrams.
	TXTKeyHeartBeatPort = "HeartBeatPort"
)

// ValidateTXTEntry checks that key and value fit in one TXT string.
func ValidateTXTEntry(key, value string) error {
	if key == "" || strings.IndexByte(key, '=') >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidTXTKey, key)
	}
	if len(key)+1+len(value) > MaxTXTEntryLength {
		return fmt.Errorf("%w: key %q", ErrTXTEntryTooLong, key)
	}
	return nil
}

// TXTStrings returns the "key=value" strings of text ordered by key.
func TXTStrings(text map[string]string) []string {
	keys := make([]string, 0, len(text))
	for k := range text {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]string, 0, len(keys))
	for _, k := range keys {
		records = append(records, k+"="+text[k])
	}
	return records
}

// EncodeTXT frames text as a DNS TXT record: for every key in sorted order
// one length byte followed by key, '=' and value.
func EncodeTXT(text map[string]string) ([]byte, error) {
	size := 0
	for k, v := range text {
		if err := ValidateTXTEntry(k, v); err != nil {
			return nil, err
		}
		size += 1 + len(k) + 1 + len(v)
	}

	buf := make([]byte, 0, size)
	for _, record := range TXTStrings(text) {
		buf = append(buf, byte(len(record)))
		buf = append(buf, record...)
	}
	return buf, nil
}

// FrameTXTStrings frames already formatted TXT strings. Strings longer than
// MaxTXTEntryLength are truncated.
func FrameTXTStrings(records []string) []byte {
	var buf []byte
	for _, record := range records {
		if len(record) > MaxTXTEntryLength {
			record = record[:MaxTXTEntryLength]
		}
		buf = append(buf, byte(len(record)))
		buf = append(buf, record...)
	}
	return buf
}

// SplitTXT undoes the framing of a TXT record, returning its strings.
// Zero-length strings are skipped.
func SplitTXT(data []byte) ([]string, error) {
	var records []string
	for i := 0; i < len(data); {
		n := int(data[i])
		i++
		if i+n > len(data) {
			return records, fmt.Errorf("%w: string at offset %d overruns record", ErrInvalidTXTRecord, i-1)
		}
		if n > 0 {
			records = append(records, string(data[i:i+n]))
		}
		i += n
	}
	return records, nil
}

// ParseTXT maps "key=value" strings. A string without '=' is a key with an
// empty value; the first occurrence of a key wins.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		key, value, _ := strings.Cut(record, "=")
		if key == "" {
			continue
		}
		if _, dup := result[key]; dup {
			continue
		}
		result[key] = value
	}
	return result
}

// DecodeTXT parses a framed TXT record. On malformed framing it returns the
// entries decoded so far together with the error.
func DecodeTXT(data []byte) (map[string]string, error) {
	records, err := SplitTXT(data)
	return ParseTXT(records), err
}
