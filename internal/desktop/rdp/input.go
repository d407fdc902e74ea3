package rdp

import "github.com/tomatome/grdp/protocol/pdu"

// Slow-path input constants from MS-RDPBCGR 2.2.8.1.1.3.1.1.
const (
	inputEventScancode uint16 = 0x0004
	inputEventMouse    uint16 = 0x8001

	kbdFlagsRelease uint16 = 0x8000

	ptrFlagsHWheel        uint16 = 0x0400
	ptrFlagsWheel         uint16 = 0x0200
	ptrFlagsWheelNegative uint16 = 0x0100
	ptrFlagsMove          uint16 = 0x0800
	ptrFlagsDown          uint16 = 0x8000
	ptrFlagsButton1       uint16 = 0x1000
	ptrFlagsButton2       uint16 = 0x2000
	ptrFlagsButton3       uint16 = 0x4000

	wheelRotationMask uint16 = 0x01ff

	bitmapCompression uint16 = 0x0001
)

// Mask bits as sent by the UI: bit 0 left, bit 1 middle, bit 2 right.
var buttonFlags = [3]uint16{ptrFlagsButton1, ptrFlagsButton3, ptrFlagsButton2}

func keyEvent(code uint32, pressed bool) *pdu.ScancodeKeyEvent {
	ev := &pdu.ScancodeKeyEvent{KeyCode: uint16(code)}
	if !pressed {
		ev.KeyboardFlags |= kbdFlagsRelease
	}
	return ev
}

// pointerEvents turns a mask change into RDP pointer events. A move with
// no button change is a single PTRFLAGS_MOVE.
func pointerEvents(prev, next uint8, x, y uint16) []pdu.InputEventsInterface {
	var events []pdu.InputEventsInterface
	for bit, flag := range buttonFlags {
		was, is := prev&(1<<bit) != 0, next&(1<<bit) != 0
		if was == is {
			continue
		}
		ev := &pdu.PointerEvent{PointerFlags: flag, XPos: x, YPos: y}
		if is {
			ev.PointerFlags |= ptrFlagsDown
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		events = append(events, &pdu.PointerEvent{PointerFlags: ptrFlagsMove, XPos: x, YPos: y})
	}
	return events
}

func wheelEvent(x, y, step uint16, negative, horizontal bool) *pdu.PointerEvent {
	flags := ptrFlagsWheel
	if horizontal {
		flags = ptrFlagsHWheel
	}
	if negative {
		flags |= ptrFlagsWheelNegative
	}
	flags |= step & wheelRotationMask
	return &pdu.PointerEvent{PointerFlags: flags, XPos: x, YPos: y}
}
