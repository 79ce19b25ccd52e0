// Package phone holds the number and dial-target guard used to keep calls
// from looping back into the business's own lines. Everything here is pure:
// no I/O, and identical inputs always produce identical outputs.
package phone

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is the region national-format input is read in when no
// other region is configured.
const DefaultRegion = "US"

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// IsE164 reports whether s is already a strict E.164 number. Webhook fields
// are checked with this rather than Normalize so that malformed carrier input
// is rejected instead of repaired.
func IsE164(s string) bool {
	return e164Pattern.MatchString(s)
}

// Normalize converts loosely formatted input to E.164, reading national
// numbers in DefaultRegion. It returns an empty string when the input cannot
// be interpreted.
func Normalize(number string) string {
	return NormalizeIn(number, DefaultRegion)
}

// NormalizeIn is Normalize with national numbers and the international
// dialing prefix read in region, an ISO 3166 code such as "US" or "GB".
func NormalizeIn(number, region string) string {
	if region == "" {
		region = DefaultRegion
	}
	s := strings.TrimSpace(number)
	if s == "" {
		return ""
	}
	num, err := phonenumbers.Parse(s, strings.ToUpper(region))
	if err != nil {
		return ""
	}
	if phonenumbers.IsPossibleNumberWithReason(num) != phonenumbers.IS_POSSIBLE {
		return ""
	}
	out := phonenumbers.Format(num, phonenumbers.E164)
	if !e164Pattern.MatchString(out) {
		return ""
	}
	return out
}

// ValidRegion reports whether region is a region the number parser knows.
func ValidRegion(region string) bool {
	return phonenumbers.GetCountryCodeForRegion(strings.ToUpper(region)) != 0
}

// InternalConfig lists the numbers that belong to the business itself.
type InternalConfig struct {
	AdminNumber    string
	OpsNumber      string
	BusinessTarget string
	// Extra is a comma-separated override list.
	Extra string
	// Region is used to read numbers written without a country code.
	// Empty means DefaultRegion.
	Region string
}

// Role says why a number is in the internal set.
type Role uint8

const (
	RoleAdmin Role = 1 << iota
	RoleOps
	RoleForwardTarget
	RoleListed
)

// InternalSet is the set of normalized numbers considered "ours", each tagged
// with the roles it was added under.
type InternalSet struct {
	roles  map[string]Role
	region string
}

func (s InternalSet) normalize(number string) string {
	return NormalizeIn(number, s.region)
}

func (s InternalSet) add(raw string, role Role) {
	if n := s.normalize(raw); n != "" {
		s.roles[n] |= role
	}
}

// Contains reports whether the normalized form of number is in the set.
func (s InternalSet) Contains(number string) bool {
	n := s.normalize(number)
	if n == "" {
		return false
	}
	_, ok := s.roles[n]
	return ok
}

// Blocks reports whether dialing number could loop back into the business.
// The forwarding target is the one member that may be dialed, unless it also
// holds another role.
func (s InternalSet) Blocks(number string) bool {
	n := s.normalize(number)
	if n == "" {
		return false
	}
	role, ok := s.roles[n]
	if !ok {
		return false
	}
	return role&^RoleForwardTarget != 0
}

// Members returns the normalized numbers in the set.
func (s InternalSet) Members() []string {
	out := make([]string, 0, len(s.roles))
	for n := range s.roles {
		out = append(out, n)
	}
	return out
}

// Len returns the number of distinct numbers in the set.
func (s InternalSet) Len() int {
	return len(s.roles)
}

// BuildInternalSet unions the admin, operations and forwarding numbers with
// the override list. Invalid entries are dropped.
func BuildInternalSet(cfg InternalConfig) InternalSet {
	set := InternalSet{roles: make(map[string]Role), region: cfg.Region}
	set.add(cfg.AdminNumber, RoleAdmin)
	set.add(cfg.OpsNumber, RoleOps)
	set.add(cfg.BusinessTarget, RoleForwardTarget)
	for _, part := range strings.Split(cfg.Extra, ",") {
		set.add(part, RoleListed)
	}
	return set
}

// IsInternalCaller reports whether from is one of the business's own numbers.
func IsInternalCaller(from string, set InternalSet) bool {
	return set.Contains(from)
}

// SafeDialTarget returns the normalized candidate if it is safe to dial, or
// an empty string meaning "do not dial". A target is unsafe when it is unset,
// cannot be normalized, equals the caller or the dialed number, or is an
// internal number other than the forwarding target itself. Numbers are read
// in the set's region.
func SafeDialTarget(candidate, from, to string, set InternalSet) string {
	target := set.normalize(candidate)
	if target == "" {
		return ""
	}
	if target == set.normalize(from) || target == set.normalize(to) {
		return ""
	}
	// Raw comparisons catch carrier values that do not normalize.
	if target == from || target == to {
		return ""
	}
	if set.Blocks(target) {
		return ""
	}
	return target
}
