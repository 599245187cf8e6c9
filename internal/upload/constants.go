package upload

import "time"

// Transport parameters expected by the NEORV32 bootloader UART.
const (
	BaudRate      = 19200
	ReadTimeout   = 10 * time.Second
	ReadChunkSize = 100
)

// Trigger markers, matched case-sensitively against received text.
const (
	MarkerAutoboot     = "Auto-boot"
	MarkerUploadPrompt = "Awaiting neorv32_exe.bin"
	MarkerAck          = "OK"
)

// Command bytes understood by the bootloader console.
const (
	CmdAbortAutoboot byte = 'a' // any key aborts the auto-boot countdown
	CmdUpload        byte = 'u'
	CmdExecute       byte = 'e'
)

// Delays that cover the bootloader's own processing time. They are fixed
// pauses, not timeouts.
const (
	AbortDelay    = 250 * time.Millisecond // before 'a'
	SelectDelay   = 250 * time.Millisecond // between 'a' and 'u'
	PayloadDelay  = 200 * time.Millisecond // before the image is written
	PayloadSettle = 1000 * time.Millisecond
	ExecuteDelay  = 200 * time.Millisecond // before 'e'
)
