package types

import "fmt"

// ControlState selects which set of criteria and settings applies to a device.
type ControlState string

var ControlStateCurtail = ControlState("curtail")
var ControlStateAugment = ControlState("augment")

func (s ControlState) Valid() bool {
	return s == ControlStateCurtail || s == ControlStateAugment
}

// DeviceKey identifies one controllable sub-device. Several sub-devices may share a physical device.
type DeviceKey struct {
	Device string `json:"device"`
	SubID  string `json:"subdevice"`
}

func (k DeviceKey) String() string {
	if k.SubID == "" || k.SubID == k.Device {
		return k.Device
	}
	return fmt.Sprintf("%s/%s", k.Device, k.SubID)
}

// Less gives DeviceKeys a total order used to break ranking ties.
func (k DeviceKey) Less(o DeviceKey) bool {
	if k.Device != o.Device {
		return k.Device < o.Device
	}
	return k.SubID < o.SubID
}
