package sequencer

import "fmt"

type Version struct {
	Major uint8 `json:"major"`
	Minor uint8 `json:"minor"`
	Patch uint8 `json:"patch"`
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// CurrentVersion is reported by Controller.Version.
var CurrentVersion = Version{Major: 2, Minor: 1, Patch: 0}
