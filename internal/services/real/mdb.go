package real

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/GianGuaz256/pow-vending-machine/internal/mdb"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

var (
	ErrPortClosed = errors.New("mdb: serial port not open")
	ErrNoAck      = errors.New("mdb: no acknowledgement")
	ErrNAK        = errors.New("mdb: command rejected")
)

const (
	responseWait = 50 * time.Millisecond
	interByteGap = 20 * time.Millisecond
	maxFrameSize = 36
	// unhealthyAfter consecutive failed exchanges marks the link down.
	unhealthyAfter = 3
)

// Port is the part of a serial port the MDB gateway uses. serial.Port
// satisfies it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// MDBConfig holds the serial settings of the MDB interface board.
type MDBConfig struct {
	SerialPort  string
	BaudRate    int
	ReadTimeout time.Duration
	PriceScale  int32
	Retries     int
	Currency    string
}

// MDB is a HardwareGateway talking to a cashless-device MDB interface board
// over a serial line. Exchanges are serialized; a poll and an approval never
// interleave on the wire.
type MDB struct {
	cfg    MDBConfig
	open   func() (Port, error)
	logger *slog.Logger

	mu       sync.Mutex
	port     Port
	failures int
}

// NewMDB creates an MDB hardware gateway. The port is opened by Reconnect.
func NewMDB(cfg MDBConfig, logger *slog.Logger) *MDB {
	open := func() (Port, error) {
		return serial.Open(cfg.SerialPort, &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
	}
	return newMDB(cfg, open, logger)
}

func newMDB(cfg MDBConfig, open func() (Port, error), logger *slog.Logger) *MDB {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	return &MDB{
		cfg:    cfg,
		open:   open,
		logger: logger.With("component", "mdb", "port", cfg.SerialPort),
	}
}

// Reconnect (re)opens the serial port and resets the reader.
func (m *MDB) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port != nil {
		_ = m.port.Close()
		m.port = nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := m.open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", m.cfg.SerialPort, err)
	}
	if err := port.SetReadTimeout(m.cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	m.port = port
	if _, err := m.exchangeOnce(mdb.CmdReset, nil, false); err != nil {
		_ = port.Close()
		m.port = nil
		return fmt.Errorf("reset failed: %w", err)
	}
	m.failures = 0
	m.logger.Info("mdb link established", "baud", m.cfg.BaudRate)
	return nil
}

func (m *MDB) exchange(ctx context.Context, cmd byte, data []byte, wantResponse bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port == nil {
		return nil, ErrPortClosed
	}
	var lastErr error
	for attempt := 0; attempt <= m.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := m.exchangeOnce(cmd, data, wantResponse)
		if err == nil {
			m.failures = 0
			return resp, nil
		}
		lastErr = err
		m.logger.Debug("exchange failed", "command", cmd, "attempt", attempt+1, "error", err)
	}
	m.failures++
	return nil, lastErr
}

// exchangeOnce writes one frame and waits for the ACK and, if asked, the
// response frame. m.mu must be held.
func (m *MDB) exchangeOnce(cmd byte, data []byte, wantResponse bool) ([]byte, error) {
	if err := m.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("reset input: %w", err)
	}
	if _, err := m.port.Write(mdb.Encode(cmd, data...)); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	ack := make([]byte, 1)
	n, err := m.port.Read(ack)
	if err != nil {
		return nil, fmt.Errorf("read ack: %w", err)
	}
	if n == 0 {
		return nil, ErrNoAck
	}
	if ack[0] != mdb.ACK {
		return nil, fmt.Errorf("%w: 0x%02x", ErrNAK, ack[0])
	}
	if !wantResponse {
		return nil, nil
	}
	return m.readFrame()
}

// readFrame collects bytes until the line goes quiet.
func (m *MDB) readFrame() ([]byte, error) {
	defer m.port.SetReadTimeout(m.cfg.ReadTimeout)

	if err := m.port.SetReadTimeout(responseWait); err != nil {
		return nil, err
	}
	var frame []byte
	buf := make([]byte, maxFrameSize)
	for len(frame) < maxFrameSize {
		n, err := m.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if n == 0 {
			break
		}
		frame = append(frame, buf[:n]...)
		if err := m.port.SetReadTimeout(interByteGap); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func (m *MDB) PollVendRequest(ctx context.Context) (*models.VendRequest, error) {
	resp, err := m.exchange(ctx, mdb.CmdPoll, nil, true)
	if err != nil {
		return nil, err
	}
	res, err := mdb.ParsePoll(resp, m.cfg.PriceScale)
	if err != nil {
		return nil, err
	}

	switch res.Kind {
	case mdb.PollVendRequest:
		m.logger.Info("vend request", "item", res.ItemNumber, "price", res.Price.String())
		return &models.VendRequest{
			ItemID:     strconv.Itoa(res.ItemNumber),
			Price:      res.Price,
			Currency:   m.cfg.Currency,
			ReceivedAt: time.Now(),
		}, nil
	case mdb.PollNone:
	case mdb.PollUnknown:
		m.logger.Debug("unknown poll response", "code", res.Code)
	default:
		m.logger.Info("session event", "event", res.Kind)
	}
	return nil, nil
}

func (m *MDB) ApproveVend(ctx context.Context) error {
	if _, err := m.exchange(ctx, mdb.CmdVend, []byte{mdb.VendApprove}, false); err != nil {
		return fmt.Errorf("approve vend: %w", err)
	}
	m.logger.Info("vend approved")
	return nil
}

func (m *MDB) DenyVend(ctx context.Context) error {
	if _, err := m.exchange(ctx, mdb.CmdVend, []byte{mdb.VendDeny}, false); err != nil {
		return fmt.Errorf("deny vend: %w", err)
	}
	m.logger.Info("vend denied")
	return nil
}

func (m *MDB) EndSession(ctx context.Context) error {
	if _, err := m.exchange(ctx, mdb.CmdReader, []byte{mdb.ReaderSessionEnd}, false); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	m.logger.Info("session ended")
	return nil
}

// CheckHealth reports the link state seen by recent exchanges. It does not
// send a POLL of its own, which could swallow a pending vend request.
func (m *MDB) CheckHealth(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port != nil && m.failures < unhealthyAfter
}

func (m *MDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	m.logger.Info("mdb link closed")
	return err
}
