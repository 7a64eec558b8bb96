package real

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GianGuaz256/pow-vending-machine/internal/mdb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePort plays the vending controller. reply computes what the controller
// sends back for each frame written; an empty read means a timeout.
type fakePort struct {
	mu      sync.Mutex
	written [][]byte
	rx      []byte
	reply   func(frame []byte) []byte
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	frame := append([]byte(nil), b...)
	p.written = append(p.written, frame)
	p.rx = append(p.rx, p.reply(frame)...)
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
	return nil
}

func (p *fakePort) commands() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, 0, len(p.written))
	for _, f := range p.written {
		out = append(out, f[0])
	}
	return out
}

// controller acknowledges everything and answers polls from a queue.
type controller struct {
	mu    sync.Mutex
	polls [][]byte
	nak   map[byte]bool
}

func (c *controller) reply(frame []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nak[frame[0]] {
		return []byte{0xFF}
	}
	out := []byte{mdb.ACK}
	if frame[0] == mdb.CmdPoll && len(c.polls) > 0 {
		out = append(out, c.polls[0]...)
		c.polls = c.polls[1:]
	}
	return out
}

func newTestMDB(t *testing.T, ctrl *controller) (*MDB, *fakePort) {
	t.Helper()
	port := &fakePort{reply: ctrl.reply}
	m := newMDB(MDBConfig{SerialPort: "/dev/fake", BaudRate: 9600, PriceScale: 2, Retries: 1, Currency: "EUR"},
		func() (Port, error) { return port, nil }, discardLogger())
	require.NoError(t, m.Reconnect(context.Background()))
	return m, port
}

func TestMDBPollsVendRequest(t *testing.T) {
	frame, err := mdb.EncodeVendRequest(decimal.RequireFromString("1.50"), 2, 12)
	require.NoError(t, err)
	ctrl := &controller{polls: [][]byte{frame}}
	m, port := newTestMDB(t, ctrl)
	ctx := context.Background()

	req, err := m.PollVendRequest(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "12", req.ItemID)
	assert.True(t, req.Price.Equal(decimal.RequireFromString("1.50")))
	assert.Equal(t, "EUR", req.Currency)

	req, err = m.PollVendRequest(ctx)
	require.NoError(t, err)
	assert.Nil(t, req)

	require.NoError(t, m.ApproveVend(ctx))
	require.NoError(t, m.EndSession(ctx))
	assert.Equal(t, []byte{mdb.CmdReset, mdb.CmdPoll, mdb.CmdPoll, mdb.CmdVend, mdb.CmdReader}, port.commands())

	port.mu.Lock()
	approve := port.written[3]
	port.mu.Unlock()
	assert.Equal(t, mdb.Encode(mdb.CmdVend, mdb.VendApprove), approve)
	assert.True(t, m.CheckHealth(ctx))
}

func TestMDBRejectedCommandMarksLinkDown(t *testing.T) {
	ctrl := &controller{}
	m, port := newTestMDB(t, ctrl)
	ctx := context.Background()

	ctrl.mu.Lock()
	ctrl.nak = map[byte]bool{mdb.CmdVend: true}
	ctrl.mu.Unlock()

	for i := 0; i < unhealthyAfter; i++ {
		err := m.DenyVend(ctx)
		assert.ErrorIs(t, err, ErrNAK)
	}
	// One attempt plus one retry per call.
	assert.Len(t, port.commands(), 1+2*unhealthyAfter)
	assert.False(t, m.CheckHealth(ctx))

	ctrl.mu.Lock()
	ctrl.nak = nil
	ctrl.mu.Unlock()
	require.NoError(t, m.Reconnect(ctx))
	assert.True(t, m.CheckHealth(ctx))
}

func TestMDBCorruptPollFrame(t *testing.T) {
	frame, err := mdb.EncodeVendRequest(decimal.RequireFromString("2.00"), 2, 1)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF
	m, _ := newTestMDB(t, &controller{polls: [][]byte{frame}})

	_, err = m.PollVendRequest(context.Background())
	assert.ErrorIs(t, err, mdb.ErrBadChecksum)
}

func TestMDBClosed(t *testing.T) {
	m, port := newTestMDB(t, &controller{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.True(t, port.closed)
	assert.False(t, m.CheckHealth(context.Background()))
	_, err := m.PollVendRequest(context.Background())
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestMDBReconnectFailure(t *testing.T) {
	m := newMDB(MDBConfig{SerialPort: "/dev/missing"},
		func() (Port, error) { return nil, errors.New("no such file") }, discardLogger())
	err := m.Reconnect(context.Background())
	assert.ErrorContains(t, err, "/dev/missing")
	assert.False(t, m.CheckHealth(context.Background()))
}
