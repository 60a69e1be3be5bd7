package conditions

import (
	"io/fs"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
)

// Charging reports whether the host runs on external power.
//
// Any online mains/USB supply, or a battery reporting Charging or Full,
// counts as charging. A host without any power supply entries (a server or
// VM) is treated as permanently on mains.
func (c *SystemChecker) Charging() (bool, error) {
	entries, err := fs.ReadDir(c.probes.PowerSupplies, ".")
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	sawSupply := false
	for _, entry := range entries {
		kind := readAttr(c.probes.PowerSupplies, entry.Name(), "type")
		if kind == "" {
			continue
		}
		sawSupply = true

		switch kind {
		case "Mains", "USB", "USB_C", "USB_PD":
			if readAttr(c.probes.PowerSupplies, entry.Name(), "online") == "1" {
				return true, nil
			}
		case "Battery":
			switch readAttr(c.probes.PowerSupplies, entry.Name(), "status") {
			case "Charging", "Full":
				return true, nil
			}
		}
	}
	return !sawSupply, nil
}

func readAttr(fsys fs.FS, supply, attr string) string {
	data, err := fs.ReadFile(fsys, path.Join(supply, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
