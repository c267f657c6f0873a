package plugin

import (
	"testing"
)

// FuzzValidateManifest exercises the validator with arbitrary JSON content.
// Verifies it never panics and that validity always agrees with an empty
// error list.
func FuzzValidateManifest(f *testing.F) {
	seeds := []string{
		`{"id":"ab","name":"n","version":"1.0.0","description":"d"}`,
		`{"id":"ab"}`,
		`{}`,
		``,
		`[]`,
		`{"id":"ab","name":"n","version":"1.0.0","description":"d","extra":1}`,
		`{"id":"ab","name":"n","version":"not-semver","description":"d"}`,
		`{"id":"ab","name":"n","version":"1.0.0","description":"d","permissions":{"filesystem":["../x"]}}`,
		`{"id":"ab","name":"n","version":"1.0.0","description":"d","permissions":{"filesystem":true,"shell":true}}`,
		`{"id":"ab","name":"n","version":"1.0.0","description":"d","isolated":"yes"}`,
		`{"id":"ab","name":"n","version":"1.0.0","description":"d","configSchema":{"required":["a"]}}`,
		`{"id":"\u0000","name":"n","version":"1.0.0","description":"d"}`,
		`{"permissions":{"network":["https://x","a b c"]}}`,
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, content string) {
		res := ValidateManifest([]byte(content))
		if res.Valid != (len(res.Errors) == 0) {
			t.Errorf("Valid=%v but %d errors", res.Valid, len(res.Errors))
		}
		if res.Valid {
			// A valid document must also decode cleanly.
			if _, err := ParseManifest([]byte(content)); err != nil {
				t.Errorf("valid manifest failed to parse: %v", err)
			}
		}
	})
}

// FuzzSafeScopePath checks the path guard never accepts an escaping scope.
func FuzzSafeScopePath(f *testing.F) {
	seeds := []string{
		"data", "data/out", "", "/etc", `C:\x`, "a/../../b", "..", "./a",
		`a\..\b`, "a//b", "данные", "a/.. /b",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, p string) {
		if !safeScopePath(p) {
			return
		}
		if p == "" {
			t.Error("empty path accepted")
		}
		if p[0] == '/' || p[0] == '\\' {
			t.Errorf("absolute path accepted: %q", p)
		}
		if len(p) >= 2 && p[1] == ':' {
			t.Errorf("drive path accepted: %q", p)
		}
	})
}
