package provider

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

const agentTag = "+agent-"

// AddressCodec maps agent ids to sub-addresses of one shared mailbox:
// local+agent-{32 hex}@domain.
type AddressCodec struct {
	localPart string
	domain    string
	pattern   *regexp.Regexp
}

// NewAddressCodec builds a codec for mailbox. When domain is non-empty it
// replaces the mailbox's own domain in generated addresses.
func NewAddressCodec(mailbox, domain string) (*AddressCodec, error) {
	at := strings.LastIndex(mailbox, "@")
	if at <= 0 || at == len(mailbox)-1 {
		return nil, fmt.Errorf("invalid mailbox address %q", mailbox)
	}
	local := strings.ToLower(mailbox[:at])
	if domain == "" {
		domain = mailbox[at+1:]
	}
	domain = strings.ToLower(domain)

	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(local) + regexp.QuoteMeta(agentTag) + "([^@]+)@" + regexp.QuoteMeta(domain) + "$")
	return &AddressCodec{localPart: local, domain: domain, pattern: pattern}, nil
}

// Generate returns the routable address for agentID.
func (c *AddressCodec) Generate(agentID string) string {
	encoded := strings.ToLower(strings.ReplaceAll(agentID, "-", ""))
	return c.localPart + agentTag + encoded + "@" + c.domain
}

// Extract returns the canonical agent id encoded in address. Addresses that
// do not follow the pattern, or whose tag is not exactly 32 hex characters,
// yield false.
func (c *AddressCodec) Extract(address string) (string, bool) {
	m := c.pattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(address)))
	if m == nil {
		return "", false
	}
	segment := m[1]
	if len(segment) != 32 || !isHex(segment) {
		return "", false
	}
	id, err := uuid.Parse(segment)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// Matches reports whether address is an agent sub-address of this mailbox.
func (c *AddressCodec) Matches(address string) bool {
	_, ok := c.Extract(address)
	return ok
}

// Domain returns the domain used for generated addresses.
func (c *AddressCodec) Domain() string {
	return c.domain
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// NormalizeAddress strips any display name from addr and lowercases it.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	return strings.ToLower(addr)
}

// DomainOf returns the lowercased part after the last "@", or "".
func DomainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
