package discovery

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// MaxInstanceNameLength is the longest instance label DNS allows.
const MaxInstanceNameLength = 63

// FullName builds the escaped DNS name "<instance>.<type>.<domain>." of a
// service instance. Sub-types in typ are ignored.
func FullName(instance, typ, domain string) string {
	base, _ := SplitServiceType(typ)
	if domain == "" {
		domain = DefaultDomain
	}
	return dns.Fqdn(EscapeInstance(instance) + "." + strings.TrimSuffix(base, ".") + "." + strings.TrimSuffix(domain, "."))
}

// EscapeInstance escapes '.' and '\' so an instance name forms one label.
func EscapeInstance(instance string) string {
	var b strings.Builder
	for i := 0; i < len(instance); i++ {
		c := instance[i]
		if c == '.' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// UnescapeInstance reverses EscapeInstance, including \DDD decimal escapes.
func UnescapeInstance(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' || i+1 >= len(label) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			v := int(label[i+1]-'0')*100 + int(label[i+2]-'0')*10 + int(label[i+3]-'0')
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		i++
		b.WriteByte(label[i])
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// SplitServiceType separates "_svc._tcp,_sub1,_sub2" into the base type and
// its sub-types.
func SplitServiceType(typ string) (base string, subtypes []string) {
	parts := strings.Split(typ, ",")
	base = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			subtypes = append(subtypes, p)
		}
	}
	return base, subtypes
}

// BrowseServiceType converts "_svc._tcp,_sub" into the "_sub._sub._svc._tcp"
// form used when browsing for a sub-type. Only the first sub-type is used.
func BrowseServiceType(typ string) string {
	base, subtypes := SplitServiceType(typ)
	if len(subtypes) == 0 {
		return base
	}
	return subtypes[0] + "._sub." + base
}

// ValidateServiceType checks "_name._tcp" or "_name._udp", optionally
// followed by ",_subtype" suffixes.
func ValidateServiceType(typ string) error {
	base, subtypes := SplitServiceType(typ)
	labels := strings.Split(strings.TrimSuffix(base, "."), ".")
	if len(labels) != 2 || !strings.HasPrefix(labels[0], "_") || len(labels[0]) < 2 {
		return fmt.Errorf("%w: %q", ErrInvalidServiceType, typ)
	}
	if labels[1] != "_tcp" && labels[1] != "_udp" {
		return fmt.Errorf("%w: %q", ErrInvalidServiceType, typ)
	}
	if _, ok := dns.IsDomainName(base); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidServiceType, typ)
	}
	for _, st := range subtypes {
		if !strings.HasPrefix(st, "_") || len(st) < 2 {
			return fmt.Errorf("%w: sub-type %q", ErrInvalidServiceType, st)
		}
	}
	return nil
}

// ValidateInstanceName checks that name fits in one DNS label.
func ValidateInstanceName(name string) error {
	if name == "" || len(name) > MaxInstanceNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
