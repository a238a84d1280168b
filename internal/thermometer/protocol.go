package thermometer

// GATT layout of the thermometer. All identifiers are 16-bit vendor UUIDs.
const (
	ServiceUUID = "fff0"

	StatusCharUUID  = "fff1" // pairing status notifications
	PairCharUUID    = "fff2" // pairing commands
	DataCharUUID    = "fff4" // temperature frames
	ControlCharUUID = "fff5" // selects what the device streams
)

// StatusPaired is the first status byte sent after a successful autopair.
const StatusPaired byte = 0x21

// autopairCommand authenticates the session. The trailing zero bytes are part of the command.
var autopairCommand = [15]byte{0x21, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0xB8, 0x22, 0x00, 0x00, 0x00, 0x00, 0x00}

// startTemperaturesCommand asks the device to push temperature frames on DataCharUUID.
var startTemperaturesCommand = [6]byte{0x0B, 0x01, 0x00, 0x00, 0x00, 0x00}

// AutopairCommand returns a copy of the vendor autopair command.
func AutopairCommand() []byte {
	c := autopairCommand
	return c[:]
}

// StartTemperaturesCommand returns a copy of the "start sending temperatures" control command.
func StartTemperaturesCommand() []byte {
	c := startTemperaturesCommand
	return c[:]
}

// requiredCharacteristics are resolved during discovery; the session fails if any is missing.
var requiredCharacteristics = []string{StatusCharUUID, PairCharUUID, DataCharUUID, ControlCharUUID}
