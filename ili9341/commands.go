package ili9341

// Command bytes.
const (
	NOP      = 0x00
	SWRESET  = 0x01
	RDDID    = 0x04
	RDDST    = 0x09
	SLPIN    = 0x10
	SLPOUT   = 0x11
	INVOFF   = 0x20
	INVON    = 0x21
	GAMMASET = 0x26
	DISPOFF  = 0x28
	DISPON   = 0x29
	CASET    = 0x2A
	PASET    = 0x2B
	RAMWR    = 0x2C
	RAMRD    = 0x2E
	MADCTL   = 0x36
	PIXFMT   = 0x3A
	FRMCTR1  = 0xB1
	DFUNCTR  = 0xB6
	PWCTR1   = 0xC0
	PWCTR2   = 0xC1
	VMCTR1   = 0xC5
	VMCTR2   = 0xC7
	GMCTRP1  = 0xE0
	GMCTRN1  = 0xE1
)

// MADCTL bits.
const (
	MadMY  = 0x80
	MadMX  = 0x40
	MadMV  = 0x20
	MadML  = 0x10
	MadBGR = 0x08
	MadMH  = 0x04
	MadRGB = 0x00
)

type step struct {
	cmd  byte
	data []byte
}

// initSequence is sent after the hardware reset, before SLPOUT.
var initSequence = []step{
	{0xEF, []byte{0x03, 0x80, 0x02}},
	{0xCF, []byte{0x00, 0xC1, 0x30}},
	{0xED, []byte{0x64, 0x03, 0x12, 0x81}},
	{0xE8, []byte{0x85, 0x00, 0x78}},
	{0xCB, []byte{0x39, 0x2C, 0x00, 0x34, 0x02}},
	{0xF7, []byte{0x20}},
	{0xEA, []byte{0x00, 0x00}},
	{PWCTR1, []byte{0x23}},
	{PWCTR2, []byte{0x10}},
	{VMCTR1, []byte{0x3E, 0x28}},
	{VMCTR2, []byte{0x86}},
	{MADCTL, []byte{0xA8}},
	{PIXFMT, []byte{0x55}},
	{FRMCTR1, []byte{0x00, 0x13}},
	{DFUNCTR, []byte{0x08, 0x82, 0x27}},
	{0xF2, []byte{0x00}},
	{GAMMASET, []byte{0x01}},
	{GMCTRP1, []byte{0x0F, 0x31, 0x2B, 0x0C, 0x0E, 0x08, 0x4E, 0xF1, 0x37, 0x07, 0x10, 0x03, 0x0E, 0x09, 0x00}},
	{GMCTRN1, []byte{0x00, 0x0E, 0x14, 0x03, 0x11, 0x07, 0x31, 0xC1, 0x48, 0x08, 0x0F, 0x0C, 0x31, 0x36, 0x0F}},
}
