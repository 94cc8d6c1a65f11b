package emucore

//
// Per-link packet capture
//

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// CaptureNIC wraps a [NIC], intercepts the frames read and written
// through it, and stores them into a PCAP file. Wrap one endpoint of
// a link to capture the traffic crossing that link. The zero value is
// invalid; use [NewCaptureNIC] to instantiate.
type CaptureNIC struct {
	// cancel stops the background writer.
	cancel context.CancelFunc

	// closeOnce provides "once" semantics for close.
	closeOnce sync.Once

	// logger is the logger to use.
	logger Logger

	// joined is closed when the background writer has terminated.
	joined chan any

	// nic is the wrapped NIC.
	nic NIC

	// pic is the channel where we post packets to capture.
	pic chan *capturePacketInfo
}

var _ NIC = &CaptureNIC{}

// capturePacketInfo contains info about a captured packet.
type capturePacketInfo struct {
	originalLength int
	snapshot       []byte
}

// NewCaptureNIC creates a [CaptureNIC] writing into the given file.
// This function spawns a background goroutine writing the PCAP; to
// join the goroutine, call [CaptureNIC.Close].
func NewCaptureNIC(filename string, nic NIC, logger Logger) *CaptureNIC {
	const manyPackets = 4096
	ctx, cancel := context.WithCancel(context.Background())
	cn := &CaptureNIC{
		cancel:    cancel,
		closeOnce: sync.Once{},
		logger:    logger,
		joined:    make(chan any),
		nic:       nic,
		pic:       make(chan *capturePacketInfo, manyPackets),
	}
	go cn.loop(ctx, filename)
	return cn
}

// FrameAvailable implements NIC
func (cn *CaptureNIC) FrameAvailable() <-chan any {
	return cn.nic.FrameAvailable()
}

// StackClosed implements NIC
func (cn *CaptureNIC) StackClosed() <-chan any {
	return cn.nic.StackClosed()
}

// IPAddress implements NIC
func (cn *CaptureNIC) IPAddress() string {
	return cn.nic.IPAddress()
}

// InterfaceName implements NIC
func (cn *CaptureNIC) InterfaceName() string {
	return cn.nic.InterfaceName()
}

// ReadFrameNonblocking implements NIC
func (cn *CaptureNIC) ReadFrameNonblocking() (*Frame, error) {
	frame, err := cn.nic.ReadFrameNonblocking()
	if err != nil {
		return nil, err
	}
	cn.deliverPacketInfo(frame.Payload)
	return frame, nil
}

// WriteFrame implements NIC
func (cn *CaptureNIC) WriteFrame(frame *Frame) error {
	cn.deliverPacketInfo(frame.Payload)
	return cn.nic.WriteFrame(frame)
}

// deliverPacketInfo delivers packet info to the background writer.
func (cn *CaptureNIC) deliverPacketInfo(packet []byte) {
	// make sure the capture length makes sense
	packetLength := len(packet)
	captureLength := 256
	if packetLength < captureLength {
		captureLength = packetLength
	}

	// actually deliver the packet info
	pinfo := &capturePacketInfo{
		originalLength: packetLength,
		snapshot:       append([]byte{}, packet[:captureLength]...), // duplicate
	}
	select {
	case cn.pic <- pinfo:
	default:
		// just drop from the capture
	}
}

// loop is the loop writing the PCAP file.
func (cn *CaptureNIC) loop(ctx context.Context, filename string) {
	// synchronize with parent
	defer close(cn.joined)

	// open the file where to create the pcap
	filep, err := os.Create(filename)
	if err != nil {
		cn.logger.Warnf("emucore: CaptureNIC: os.Create: %s", err.Error())
		return
	}
	defer func() {
		if err := filep.Close(); err != nil {
			cn.logger.Warnf("emucore: CaptureNIC: filep.Close: %s", err.Error())
			// fallthrough
		}
	}()

	// write the PCAP header
	w := pcapgo.NewWriter(filep)
	const largeSnapLen = 262144
	if err := w.WriteFileHeader(largeSnapLen, layers.LinkTypeIPv4); err != nil {
		cn.logger.Warnf("emucore: CaptureNIC: WriteFileHeader: %s", err.Error())
		return
	}

	// loop until we're done and write each entry
	for {
		select {
		case <-ctx.Done():
			return
		case pinfo := <-cn.pic:
			cn.doWritePCAPEntry(pinfo, w)
		}
	}
}

// doWritePCAPEntry writes the given packet entry into the PCAP file.
func (cn *CaptureNIC) doWritePCAPEntry(pinfo *capturePacketInfo, w *pcapgo.Writer) {
	ci := gopacket.CaptureInfo{
		Timestamp:      time.Now(),
		CaptureLength:  len(pinfo.snapshot),
		Length:         pinfo.originalLength,
		InterfaceIndex: 0,
		AncillaryData:  []interface{}{},
	}
	if err := w.WritePacket(ci, pinfo.snapshot); err != nil {
		cn.logger.Warnf("emucore: CaptureNIC: WritePacket: %s", err.Error())
		// fallthrough
	}
}

// Close implements NIC
func (cn *CaptureNIC) Close() error {
	cn.closeOnce.Do(func() {
		// notify the wrapped NIC to stop
		cn.nic.Close()

		// notify the background goroutine to terminate
		cn.cancel()

		// wait until the writer has finished
		<-cn.joined
	})
	return nil
}
