package versions_test

import (
	"testing"

	"github.com/ttab/elephant-versionstore/internal/test"
	"github.com/ttab/elephant-versionstore/versions"
)

func TestParseHistorySortKey(t *testing.T) {
	cases := map[string]struct {
		Version int64
		OK      bool
	}{
		"v1":    {Version: 1, OK: true},
		"v42":   {Version: 42, OK: true},
		"v0":    {},
		"v01":   {},
		"v-1":   {},
		"v":     {},
		"t#v1":  {},
		"1":     {},
		"v1.5":  {},
		"v1e10": {},
	}

	for sk, want := range cases {
		n, ok := versions.ParseHistorySortKey(sk)

		test.Equal(t, want.OK, ok, "%q is a history key", sk)
		test.Equal(t, want.Version, n, "version of %q", sk)
	}
}

func TestParseTag(t *testing.T) {
	for _, tc := range []struct {
		Tag  string
		Want versions.VersionTag
	}{
		{Tag: "3", Want: versions.CounterTag("eq-1", 3)},
		{Tag: "v3", Want: versions.CounterTag("eq-1", 3)},
		{
			Tag:  "t#2024-01-01T00:00:00Z",
			Want: versions.TimeTag("eq-1", "2024-01-01T00:00:00Z"),
		},
	} {
		got, err := versions.ParseTag("eq-1", tc.Tag)
		test.Must(t, err, "parse %q", tc.Tag)

		test.Equal(t, tc.Want, got, "parsed %q", tc.Tag)
	}

	for _, bad := range []string{"0", "v0", "t#", "latest", "-2"} {
		_, err := versions.ParseTag("eq-1", bad)
		test.MustNot(t, err, "parse %q", bad)
	}

	test.Equal(t, "eq-1/v7", versions.CounterTag("eq-1", 7).String(),
		"counter tag string")
}
