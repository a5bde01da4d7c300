package sequencer

import (
	"fmt"
	"strings"
)

// FormatScanDone renders d as a multi-line human readable report.
func FormatScanDone(d ScanDoneData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SCAN_DONE info:\n")
	fmt.Fprintf(&b, "-- token: 0x%02X\n", d.Token)
	fmt.Fprintf(&b, "-- is_valid: %t\n", d.Valid)
	fmt.Fprintf(&b, "-- number of valid scans: %d\n", len(d.Scans))
	for i, s := range d.Scans {
		fmt.Fprintf(&b, "-- scan[%d][%d] (%d SV - %t): %X\n", i, s.GPSTime, len(s.Satellites), s.NavValid, s.Nav)
		for _, sv := range s.Satellites {
			fmt.Fprintf(&b, "   SV_ID %d:\t%ddB\n", sv.ID, sv.CNR)
		}
	}
	fmt.Fprintf(&b, "-- power consumption: %d uah\n", d.PowerConsumptionUAh)
	fmt.Fprintf(&b, "-- mode: %d\n", d.Context.Mode)
	fmt.Fprintf(&b, "-- assisted: %t\n", d.Context.Assisted)
	if d.Context.Assisted {
		fmt.Fprintf(&b, "-- aiding position: (%.6f, %.6f)\n", d.Context.AidingPosition.Latitude, d.Context.AidingPosition.Longitude)
	}
	fmt.Fprintf(&b, "-- almanac CRC: 0X%08X\n", d.Context.AlmanacCRC)
	return b.String()
}
