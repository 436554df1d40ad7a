package livepatch

import "unsafe"

type funcInfo struct {
	*_func
	datap *moduledata
}

type _func struct {
	//sys.NotInHeap // Only in static data

	entryOff uint32 // start pc, as offset from moduledata.text/pcHeader.textStart
	nameOff  int32  // function name, as index into moduledata.funcnametab.

	// Struct continues, omitting unused fields.
}

// moduledata records information about the layout of the executable
// image. It is written by the linker. Any changes here must be
// matched changes to the code in cmd/link/internal/ld/symtab.go:symtab.
// moduledata is stored in statically allocated non-pointer memory;
// none of the pointers here are visible to the garbage collector.
type moduledata struct {
	pcHeader     *pcHeader
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr

	// Struct continues, omitting unused fields.
}

// pcHeader holds data used by the pclntab lookups.
type pcHeader struct {
	magic uint32 // 0xFFFFFFF1

	// Struct continues, omitting unused fields.
}

type functab struct {
	entryoff uint32 // relative to runtime.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// funcAt returns the function of the ftab entry ft.
func (datap *moduledata) funcAt(ft functab) *_func {
	if int(ft.funcoff) >= len(datap.pclntable) {
		return nil
	}
	return (*_func)(unsafe.Pointer(&datap.pclntable[ft.funcoff]))
}

// funcName reads the NUL terminated name at nameOff.
func (datap *moduledata) funcName(nameOff int32) string {
	if nameOff <= 0 || int(nameOff) >= len(datap.funcnametab) {
		return ""
	}
	name := datap.funcnametab[nameOff:]
	for i, c := range name {
		if c == 0 {
			return string(name[:i])
		}
	}
	return ""
}

// funcLength returns the distance from entry to the start of the next
// function, or to the end of the text segment.
func (datap *moduledata) funcLength(entry uintptr) int {
	funcOffset := uint32(entry - datap.text)
	length := uint32(datap.etext - entry)

	for _, ft := range datap.ftab {
		// Does this function come before the one we're looking for?
		if ft.entryoff <= funcOffset {
			continue
		}

		// Is the distance between these two functions less than what we've seen before?
		if testLength := ft.entryoff - funcOffset; testLength < length {
			length = testLength
		}
	}
	return int(length)
}
