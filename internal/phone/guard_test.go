package phone

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+15551234567", "+15551234567"},
		{"+1 (555) 123-4567", "+15551234567"},
		{"555.123.4567", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"011 44 20 7946 0958", "+442079460958"},
		{"+61400000000", "+61400000000"},
		{"0044 20 7946 0958", ""},
		{"12345", ""},
		{"+0abc", ""},
		{"+0123456", ""},
		{"", ""},
		{"   ", ""},
		{"+1555123456789012", ""},
		{"not-a-number", ""},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeIn(t *testing.T) {
	tests := []struct {
		in     string
		region string
		want   string
	}{
		{"020 7946 0958", "GB", "+442079460958"},
		{"0044 20 7946 0958", "GB", "+442079460958"},
		{"(02) 9374 4000", "au", "+61293744000"},
		{"+15551234567", "GB", "+15551234567"},
		{"555-123-4567", "", "+15551234567"},
		{"020 7946 0958", "US", ""},
	}

	for _, tt := range tests {
		if got := NormalizeIn(tt.in, tt.region); got != tt.want {
			t.Errorf("NormalizeIn(%q, %q) = %q, want %q", tt.in, tt.region, got, tt.want)
		}
	}
}

func TestValidRegion(t *testing.T) {
	for _, r := range []string{"US", "gb", "AU"} {
		if !ValidRegion(r) {
			t.Errorf("ValidRegion(%q) = false, want true", r)
		}
	}
	for _, r := range []string{"", "ZZ", "USA"} {
		if ValidRegion(r) {
			t.Errorf("ValidRegion(%q) = true, want false", r)
		}
	}
}

func TestIsE164(t *testing.T) {
	valid := []string{"+15551234567", "+442079460958", "+12"}
	invalid := []string{"15551234567", "+0123", "+1 555 123 4567", "12345", "+0abc", ""}

	for _, s := range valid {
		if !IsE164(s) {
			t.Errorf("IsE164(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if IsE164(s) {
			t.Errorf("IsE164(%q) = true, want false", s)
		}
	}
}

func TestBuildInternalSet(t *testing.T) {
	set := BuildInternalSet(InternalConfig{
		AdminNumber:    "+15550000001",
		OpsNumber:      "(555) 000-0002",
		BusinessTarget: "+15550000003",
		Extra:          "+15550000004, garbage ,,+15550000005",
	})

	if set.Len() != 5 {
		t.Fatalf("Len() = %d, want 5 (members %v)", set.Len(), set.Members())
	}
	for _, n := range []string{"+15550000001", "+15550000002", "+15550000003", "+15550000004", "5550000005"} {
		if !set.Contains(n) {
			t.Errorf("Contains(%q) = false, want true", n)
		}
	}
	if set.Contains("garbage") {
		t.Error("invalid override entry should be discarded")
	}
}

func TestIsInternalCaller(t *testing.T) {
	set := BuildInternalSet(InternalConfig{AdminNumber: "+15550000001", BusinessTarget: "+15550000003"})

	if !IsInternalCaller("+15550000001", set) {
		t.Error("admin number should be internal")
	}
	if !IsInternalCaller("+15550000003", set) {
		t.Error("forwarding target calling in should be internal")
	}
	if IsInternalCaller("+15559999999", set) {
		t.Error("external number should not be internal")
	}
	if IsInternalCaller("not-a-number", set) {
		t.Error("malformed number should not be internal")
	}
}

func TestSafeDialTarget(t *testing.T) {
	set := BuildInternalSet(InternalConfig{
		AdminNumber:    "+15550000001",
		OpsNumber:      "+15550000002",
		BusinessTarget: "+15550000003",
		Extra:          "+15550000004",
	})

	tests := []struct {
		name      string
		candidate string
		from      string
		to        string
		want      string
	}{
		{"forwarding target", "+15550000003", "+15551234567", "+15559876543", "+15550000003"},
		{"normalizes candidate", "555-000-0003", "+15551234567", "+15559876543", "+15550000003"},
		{"unset", "", "+15551234567", "+15559876543", ""},
		{"malformed", "12345", "+15551234567", "+15559876543", ""},
		{"equals caller", "+15551234567", "+15551234567", "+15559876543", ""},
		{"equals dialed number", "+15559876543", "+15551234567", "+15559876543", ""},
		{"admin number", "+15550000001", "+15551234567", "+15559876543", ""},
		{"ops number", "+15550000002", "+15551234567", "+15559876543", ""},
		{"override list", "+15550000004", "+15551234567", "+15559876543", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeDialTarget(tt.candidate, tt.from, tt.to, set); got != tt.want {
				t.Errorf("SafeDialTarget(%q) = %q, want %q", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestSafeDialTargetRegion(t *testing.T) {
	set := BuildInternalSet(InternalConfig{
		AdminNumber:    "020 7946 0000",
		BusinessTarget: "020 7946 0001",
		Region:         "GB",
	})
	if !set.Contains("+442079460000") {
		t.Errorf("members = %v, want the admin line read as a GB number", set.Members())
	}
	if got := SafeDialTarget("020 7946 0001", "07700 900123", "+442079460999", set); got != "+442079460001" {
		t.Errorf("SafeDialTarget = %q, want +442079460001", got)
	}
	if got := SafeDialTarget("020 7946 0000", "07700 900123", "+442079460999", set); got != "" {
		t.Errorf("admin line = %q, want blocked", got)
	}
	if got := SafeDialTarget("020 7946 0001", "+442079460001", "+442079460999", set); got != "" {
		t.Errorf("target equal to caller = %q, want blocked", got)
	}
}

func TestSafeDialTargetTargetSharedWithAdmin(t *testing.T) {
	set := BuildInternalSet(InternalConfig{
		AdminNumber:    "+15550000001",
		BusinessTarget: "+15550000001",
	})
	if got := SafeDialTarget("+15550000001", "+15551234567", "+15559876543", set); got != "" {
		t.Errorf("target that is also the admin line = %q, want blocked", got)
	}
}

// e164ish generates strings drawn from a small pool of numbers in several
// formats so that collisions between candidate, from, to and the internal set
// happen often.
type e164ish string

func (e164ish) Generate(r *rand.Rand, _ int) reflect.Value {
	pool := []string{
		"+15550000001", "+15550000002", "+15550000003", "+15550000004",
		"+15551234567", "+15559876543", "+442079460958",
	}
	n := pool[r.Intn(len(pool))]
	switch r.Intn(6) {
	case 0:
		return reflect.ValueOf(e164ish(n))
	case 1:
		return reflect.ValueOf(e164ish(n[2:]))
	case 2:
		return reflect.ValueOf(e164ish(fmt.Sprintf("(%s) %s-%s", n[2:5], n[5:8], n[8:])))
	case 3:
		return reflect.ValueOf(e164ish("00" + n[1:]))
	case 4:
		return reflect.ValueOf(e164ish(""))
	default:
		return reflect.ValueOf(e164ish(fmt.Sprintf("+%d", r.Int63n(1e12))))
	}
}

// TestSafeDialTargetNeverLoopsExceptForwardTarget checks that a returned target is never the
// caller, the dialed number, or a blocked internal number. The forwarding
// target is exempt from the internal-set check: it is the one member of the
// set that may be returned, as long as it holds no other role.
func TestSafeDialTargetNeverLoopsExceptForwardTarget(t *testing.T) {
	property := func(candidate, from, to, admin, ops, target, extra e164ish) bool {
		set := BuildInternalSet(InternalConfig{
			AdminNumber:    string(admin),
			OpsNumber:      string(ops),
			BusinessTarget: string(target),
			Extra:          string(extra),
		})
		got := SafeDialTarget(string(candidate), string(from), string(to), set)
		if got == "" {
			return true
		}
		if got == Normalize(string(from)) || got == Normalize(string(to)) {
			return false
		}
		if got == string(from) || got == string(to) {
			return false
		}
		if set.Blocks(got) {
			return false
		}
		if set.Contains(got) && got != Normalize(string(target)) {
			return false
		}
		return IsE164(got)
	}

	if err := quick.Check(property, &quick.Config{MaxCount: 5000}); err != nil {
		t.Fatal(err)
	}
}

func TestSafeDialTargetDeterministic(t *testing.T) {
	cfg := InternalConfig{AdminNumber: "+15550000001", BusinessTarget: "+15550000003"}
	first := SafeDialTarget("+15550000003", "+15551234567", "+15559876543", BuildInternalSet(cfg))
	for i := 0; i < 100; i++ {
		got := SafeDialTarget("+15550000003", "+15551234567", "+15559876543", BuildInternalSet(cfg))
		if got != first {
			t.Fatalf("iteration %d: got %q, want %q", i, got, first)
		}
	}
}
