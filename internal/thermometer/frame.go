package thermometer

import (
	"strconv"
	"strings"
)

// ProbeCount is the number of probe slots reported by the thermometer.
const ProbeCount = 6

// AbsentThreshold is the lowest raw count the firmware uses to mark an empty probe slot.
// Early firmware used 0xFFFF only; every value from here up is treated as absent.
const AbsentThreshold = 65000

// Temperature is a single probe slot: whole degrees Celsius, or absent.
type Temperature struct {
	celsius int
	present bool
}

// Celsius returns a present temperature.
func Celsius(c int) Temperature {
	return Temperature{celsius: c, present: true}
}

// Absent returns an empty probe slot.
func Absent() Temperature {
	return Temperature{}
}

// Value returns the temperature and whether the probe reported one.
func (t Temperature) Value() (int, bool) {
	return t.celsius, t.present
}

func (t Temperature) Present() bool {
	return t.present
}

func (t Temperature) String() string {
	if !t.present {
		return "-"
	}
	return strconv.Itoa(t.celsius)
}

// ProbeReading holds one decoded frame, ordered ambient1, ambient2, internal1..internal4.
type ProbeReading [ProbeCount]Temperature

// Probe returns the slot for a 1-based probe number. Out-of-range numbers are absent.
func (r ProbeReading) Probe(n int) Temperature {
	if n < 1 || n > ProbeCount {
		return Absent()
	}
	return r[n-1]
}

func (r ProbeReading) String() string {
	parts := make([]string, ProbeCount)
	for i, t := range r {
		parts[i] = t.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// DecodeFrame turns a temperature notification payload into a ProbeReading.
//
// Each probe is a little-endian uint16 count of tenths of a degree. Slots past
// the end of the payload stay absent, and so does every slot of an empty or
// odd-length payload: a corrupt frame must never stop the stream.
func DecodeFrame(payload []byte) ProbeReading {
	var r ProbeReading
	if len(payload) == 0 || len(payload)%2 != 0 {
		return r
	}

	for i := 0; i < ProbeCount && 2*i+1 < len(payload); i++ {
		raw := int(payload[2*i+1])<<8 | int(payload[2*i])
		if raw >= AbsentThreshold {
			continue
		}
		r[i] = Celsius(raw / 10)
	}
	return r
}
