package cdus

import (
	"fmt"
	"time"

	"github.com/billauer/usbpiper/internal/constants"
	"github.com/billauer/usbpiper/internal/interfaces"
	"github.com/billauer/usbpiper/internal/logging"
	"github.com/billauer/usbpiper/internal/usbio"
)

// State is the lifecycle state of one character-device file.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateReleasing:
		return "releasing"
	default:
		return "unknown"
	}
}

// negErrno turns a syscall-style positive errno value into the negative
// wire representation CDUS replies use.
func negErrno(errno int32) int32 { return -errno }

// Posix errno values used in replies, named instead of imported from
// syscall so the wire-level intent stays obvious at each call site.
const (
	errnoEBUSY  = 16
	errnoENODEV = 19
	errnoEINVAL = 22
	errnoEBADF  = 9
	errnoEINTR  = 4
	errnoENOSYS = 38
)

// FileState is the per-character-device state machine: it mediates
// between CDUS requests arriving on conn and the USB endpoints bound to
// it. All methods must be called only from the event-loop goroutine.
type FileState struct {
	Name string

	conn  Conn
	timer *fileTimer

	state State

	uniqueUp   uint64
	uniqueDown uint64
	readSize   uint32
	writeSize  uint32
	readStart  time.Time
	writeStart time.Time

	timerArmed      bool
	timedOut        bool
	interruptedUp   bool
	interruptedDown bool
	bulkoutCanceled bool

	source *usbio.Endpoint // nil if write-only
	sink   *usbio.Endpoint // nil if read-only

	logger   *logging.Logger
	observer interfaces.Observer
}

// NewFileState constructs a file state bound to an already-opened CDUS
// connection. source and/or sink may be nil but not both.
func NewFileState(name string, conn Conn, source, sink *usbio.Endpoint, observer interfaces.Observer) (*FileState, error) {
	if source == nil && sink == nil {
		return nil, fmt.Errorf("cdus: %s: at least one of source/sink endpoint is required", name)
	}
	timer, err := newFileTimer()
	if err != nil {
		return nil, err
	}
	return &FileState{
		Name:     name,
		conn:     conn,
		timer:    timer,
		source:   source,
		sink:     sink,
		logger:   logging.Default(),
		observer: observer,
	}, nil
}

// TimerFD is the event-loop registration handle for this file's reusable
// timer.
func (f *FileState) TimerFD() int { return f.timer.fd }

// ConnFD is the event-loop registration handle for this file's CDUS
// connection.
func (f *FileState) ConnFD() int { return f.conn.Fd() }

// Close tears down the file's timer and closes its CDUS connection.
func (f *FileState) Close() {
	f.timer.Close()
	f.conn.Close()
}

func (f *FileState) sendReply(unique uint64, errno int32, body []byte) error {
	out := make([]byte, outHeaderSize+len(body))
	hdr := OutHeader{
		Len:    uint32(len(out)),
		Error:  errno,
		Unique: unique,
	}
	hdr.Marshal(out)
	copy(out[outHeaderSize:], body)
	return f.conn.Write(out)
}

// --- usbio.Hooks ---

func (f *FileState) IsOpen() bool      { return f.state == StateOpen }
func (f *FileState) IsReleasing() bool { return f.state == StateReleasing }

// OnInCompletion is invoked by the source endpoint after every IN
// completion. It is safe to call even when no READ or RELEASE is
// currently pending; it simply re-checks both preconditions.
func (f *FileState) OnInCompletion() {
	if f.uniqueUp != 0 {
		f.tryCompleteRead()
	}
	if f.state == StateReleasing {
		f.tryCompleteRelease()
	}
}

// OnOutCompletion is invoked by the sink endpoint after try_queue_bulkout
// decides a pending WRITE or RELEASE should be reconsidered.
func (f *FileState) OnOutCompletion() {
	if f.uniqueDown != 0 && f.state == StateOpen {
		f.tryCompleteWrite()
	}
	if f.state == StateReleasing {
		f.tryCompleteRelease()
	}
}

var _ usbio.Hooks = (*FileState)(nil)

// HandleRequest decodes one CDUS request frame and dispatches it. req is
// the full frame as read off the wire, header included.
func (f *FileState) HandleRequest(req []byte) error {
	var hdr InHeader
	if err := hdr.Unmarshal(req); err != nil {
		return err
	}
	if int(hdr.Len) != len(req) {
		return fmt.Errorf("cdus: %s: request length mismatch: header says %d, read %d", f.Name, hdr.Len, len(req))
	}
	body := req[inHeaderSize:]

	switch hdr.Opcode {
	case OpInit:
		return f.completeInit(hdr, body)
	case OpOpen:
		return f.completeOpen(hdr, body)
	case OpRead:
		return f.processRead(hdr, body)
	case OpWrite:
		return f.processWrite(hdr, body)
	case OpRelease:
		return f.processRelease(hdr, body)
	case OpInterrupt:
		return f.processInterrupt(hdr, body)
	case OpIoctl:
		return f.sendReply(hdr.Unique, negErrno(errnoEINVAL), nil)
	default:
		f.logger.Warnf("%s: unsupported opcode %d", f.Name, hdr.Opcode)
		return f.sendReply(hdr.Unique, negErrno(errnoENOSYS), nil)
	}
}

// completeInit implements the CUSE_INIT handshake.
func (f *FileState) completeInit(hdr InHeader, body []byte) error {
	var in CuseInitIn
	if err := in.Unmarshal(body); err != nil {
		return err
	}
	if in.Major != constants.CuseProtocolMajor || in.Minor < constants.CuseProtocolMinor {
		f.logger.Errorf("%s: unsupported CUSE protocol %d.%d", f.Name, in.Major, in.Minor)
		return f.sendReply(hdr.Unique, negErrno(errnoEINVAL), nil)
	}

	devname := "DEVNAME=" + f.Name
	if len("DEVNAME=")+len(f.Name) > 63 {
		f.logger.Errorf("%s: device name too long for CUSE_INIT appendix", f.Name)
		return fmt.Errorf("cdus: %s: DEVNAME exceeds 63 bytes", f.Name)
	}

	out := CuseInitOut{
		Major:    constants.CuseProtocolMajor,
		Minor:    constants.CuseProtocolMinor,
		MaxRead:  constants.MaxPayload,
		MaxWrite: constants.MaxPayload,
		DevMajor: constants.CharDeviceMajor,
		DevMinor: uint32(f.conn.Fd()),
	}
	body2 := make([]byte, cuseInitOutSize+len(devname)+1)
	out.Marshal(body2)
	copy(body2[cuseInitOutSize:], devname)
	// trailing byte is the NUL terminator, left zero-valued.

	return f.sendReply(hdr.Unique, 0, body2)
}

// completeOpen implements FUSE_OPEN.
func (f *FileState) completeOpen(hdr InHeader, body []byte) error {
	if f.state != StateClosed {
		return f.sendReply(hdr.Unique, negErrno(errnoEBUSY), nil)
	}

	var in OpenIn
	if err := in.Unmarshal(body); err != nil {
		return err
	}

	openForRead := in.Flags&OWronly == 0
	openForWrite := in.Flags&(OWronly|ORdwr) != 0

	if openForRead && f.source == nil {
		return f.sendReply(hdr.Unique, negErrno(errnoENODEV), nil)
	}
	if openForWrite && f.sink == nil {
		return f.sendReply(hdr.Unique, negErrno(errnoENODEV), nil)
	}

	if openForRead {
		f.source.TryQueueIn()
	}

	f.state = StateOpen

	out := OpenOut{FH: 0, OpenFlags: FopenDirectIO | FopenNonseekable}
	buf := make([]byte, openOutSize)
	out.Marshal(buf)
	return f.sendReply(hdr.Unique, 0, buf)
}

// processRead implements FUSE_READ.
func (f *FileState) processRead(hdr InHeader, body []byte) error {
	if f.source == nil {
		return f.sendReply(hdr.Unique, negErrno(errnoEBADF), nil)
	}
	if f.uniqueUp != 0 {
		return f.sendReply(hdr.Unique, negErrno(errnoEINVAL), nil)
	}
	var in ReadIn
	if err := in.Unmarshal(body); err != nil {
		return err
	}

	if f.timerArmed {
		f.logger.Warnf("%s: timer armed on READ entry (bug)", f.Name)
		f.timer.Disarm()
		f.timerArmed = false
	}

	f.uniqueUp = hdr.Unique
	f.readSize = in.Size
	f.readStart = time.Now()
	f.timedOut = false
	f.interruptedUp = false

	return f.tryCompleteRead()
}

// tryCompleteRead implements try_complete_read.
func (f *FileState) tryCompleteRead() error {
	count := f.source.FIFO.Fill()

	if f.interruptedUp && count == 0 {
		unique := f.uniqueUp
		f.uniqueUp = 0
		return f.sendReply(unique, negErrno(errnoEINTR), nil)
	}

	if count == 0 || (count < f.readSize && !f.timedOut && !f.interruptedUp) {
		if !f.timerArmed && !f.timedOut {
			if err := f.timer.Arm(constants.PartialReadWindow); err != nil {
				return err
			}
			f.timerArmed = true
		}
		return nil
	}

	if f.timerArmed {
		f.timer.Disarm()
		f.timerArmed = false
	}

	if count > f.readSize {
		count = f.readSize
	}
	out := make([]byte, count)
	f.source.FIFO.Read(out)

	unique := f.uniqueUp
	f.uniqueUp = 0

	if f.observer != nil {
		f.observer.ObserveRead(uint64(count), uint64(time.Since(f.readStart)), true)
	}

	if err := f.sendReply(unique, 0, out); err != nil {
		return err
	}

	f.source.TryQueueIn()
	return nil
}

// processWrite implements FUSE_WRITE.
func (f *FileState) processWrite(hdr InHeader, body []byte) error {
	if f.sink == nil {
		return f.sendReply(hdr.Unique, negErrno(errnoEBADF), nil)
	}
	if f.uniqueDown != 0 {
		return f.sendReply(hdr.Unique, negErrno(errnoEINVAL), nil)
	}

	var in WriteIn
	if err := in.Unmarshal(body); err != nil {
		return err
	}
	payload := body[writeInSize:]
	if uint32(len(payload)) < in.Size {
		return fmt.Errorf("cdus: %s: write payload shorter than declared size", f.Name)
	}
	payload = payload[:in.Size]

	accepted := f.sink.FIFO.Write(payload)
	if accepted != in.Size {
		return fmt.Errorf("cdus: %s: fatal FIFO overflow accepting WRITE (bug: admission rule violated)", f.Name)
	}

	f.uniqueDown = hdr.Unique
	f.writeSize = in.Size
	f.writeStart = time.Now()
	f.interruptedDown = false

	f.sink.TryQueueOut(true)
	return nil
}

// tryCompleteWrite implements try_complete_write.
func (f *FileState) tryCompleteWrite() error {
	if !f.interruptedDown && f.sink.FIFO.Vacant() < constants.MaxPayload {
		return nil
	}

	count := f.writeSize
	if f.interruptedDown {
		dropped := f.sink.FIFO.Limit(f.sink.FIFO.Size() - constants.MaxPayload)
		count -= dropped
	}

	unique := f.uniqueDown
	f.uniqueDown = 0

	if count == 0 && f.writeSize != 0 {
		return f.sendReply(unique, negErrno(errnoEINTR), nil)
	}

	if f.observer != nil {
		f.observer.ObserveWrite(uint64(count), uint64(time.Since(f.writeStart)), true)
	}

	buf := make([]byte, writeOutSize)
	(&WriteOut{Size: count}).Marshal(buf)
	return f.sendReply(unique, 0, buf)
}

// processRelease implements FUSE_RELEASE.
func (f *FileState) processRelease(hdr InHeader, body []byte) error {
	if f.uniqueUp != 0 || f.uniqueDown != 0 {
		f.logger.Errorf("%s: RELEASE with requests still outstanding (bug)", f.Name)
		return f.sendReply(hdr.Unique, negErrno(errnoEBADF), nil)
	}
	if f.timerArmed {
		f.logger.Warnf("%s: timer armed on RELEASE entry (bug)", f.Name)
		f.timer.Disarm()
		f.timerArmed = false
	}

	f.uniqueDown = hdr.Unique
	f.state = StateReleasing
	f.timedOut = false
	f.interruptedDown = false
	f.bulkoutCanceled = false

	if f.source != nil {
		f.source.CancelAll()
	}

	return f.tryCompleteRelease()
}

// tryCompleteRelease implements try_complete_release.
func (f *FileState) tryCompleteRelease() error {
	sourceQuiet := f.source == nil || f.source.QueuedCount() == 0
	sinkQuiet := f.sink == nil || f.sink.QueuedCount() == 0

	sinkDrained := f.sink == nil || f.sink.FIFO.Fill() == 0 || f.timedOut || f.interruptedDown

	if sourceQuiet && sinkQuiet && sinkDrained {
		if f.timerArmed {
			f.timer.Disarm()
			f.timerArmed = false
		}

		var lost uint64
		if f.sink != nil {
			lost = uint64(f.sink.FIFO.Fill())
		}
		if lost > 0 && f.timedOut {
			f.logger.Warnf("%s: %d bytes lost on release timeout", f.Name, lost)
		}
		if f.observer != nil {
			f.observer.ObserveRelease(lost, f.timedOut)
		}

		if f.source != nil {
			f.source.FIFO.Limit(0)
		}
		if f.sink != nil {
			f.sink.FIFO.Limit(0)
		}

		f.state = StateClosed
		unique := f.uniqueDown
		f.uniqueDown = 0

		errno := int32(0)
		if f.interruptedDown {
			errno = negErrno(errnoEINTR)
		}
		return f.sendReply(unique, errno, nil)
	}

	if f.timedOut && f.sink != nil && !f.bulkoutCanceled {
		f.bulkoutCanceled = true
		f.sink.FIFO.Limit(0)
		f.sink.CancelAll()
	}

	if !f.timerArmed {
		if err := f.timer.Arm(constants.ReleaseDrainGrace); err != nil {
			return err
		}
		f.timerArmed = true
	}
	return nil
}

// processInterrupt implements FUSE_INTERRUPT.
func (f *FileState) processInterrupt(hdr InHeader, body []byte) error {
	var in InterruptIn
	if err := in.Unmarshal(body); err != nil {
		return err
	}

	if f.observer != nil {
		f.observer.ObserveInterrupt()
	}

	switch in.Unique {
	case f.uniqueDown:
		f.interruptedDown = true
		if f.state == StateOpen {
			return f.tryCompleteWrite()
		}
		if f.state == StateReleasing {
			return f.tryCompleteRelease()
		}
	case f.uniqueUp:
		f.interruptedUp = true
		return f.tryCompleteRead()
	default:
		// Benign race: the targeted request may have already completed.
	}
	return nil
}

// FireTimer handles a timer tick, matching read_from_timer.
func (f *FileState) FireTimer() error {
	tickedAt := f.timer
	expired, err := tickedAt.ConsumeTick()
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}

	f.timerArmed = false
	f.timedOut = true
	if f.observer != nil {
		f.observer.ObserveTimerFired()
	}

	if f.state == StateOpen && f.uniqueUp != 0 {
		return f.tryCompleteRead()
	}
	if f.state == StateReleasing {
		return f.tryCompleteRelease()
	}
	f.logger.Warnf("%s: unexpected timer tick", f.Name)
	return nil
}
