package session

import (
	"fmt"
	"strconv"
	"strings"
)

// ClientVersion identifies a client build.
type ClientVersion struct {
	Major    uint32 `json:"major"`
	Minor    uint32 `json:"minor"`
	Revision uint32 `json:"revision"`
	Patch    uint32 `json:"patch"`
}

// ParseClientVersion parses "major.minor.revision.patch". Older clients
// report the patch as a letter suffix on the revision ("4.0.11c" is patch 3).
func ParseClientVersion(s string) (ClientVersion, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return ClientVersion{}, fmt.Errorf("invalid client version %q", s)
	}

	var v ClientVersion
	fields := []*uint32{&v.Major, &v.Minor, &v.Revision, &v.Patch}
	for i, p := range parts {
		if i == 2 && len(parts) == 3 && p != "" {
			if last := p[len(p)-1]; last >= 'a' && last <= 'z' {
				v.Patch = uint32(last-'a') + 1
				p = p[:len(p)-1]
			}
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return ClientVersion{}, fmt.Errorf("invalid client version %q: %w", s, err)
		}
		*fields[i] = uint32(n)
	}
	return v, nil
}

// String formats the version as "major.minor.revision.patch".
func (v ClientVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Revision, v.Patch)
}

// IsZero reports whether no version was negotiated.
func (v ClientVersion) IsZero() bool {
	return v == ClientVersion{}
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than o.
func (v ClientVersion) Compare(o ClientVersion) int {
	a := [4]uint32{v.Major, v.Minor, v.Revision, v.Patch}
	b := [4]uint32{o.Major, o.Minor, o.Revision, o.Patch}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
