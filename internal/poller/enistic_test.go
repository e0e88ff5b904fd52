package poller

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var enisticMeters = []config.MeterConfig{
	{ID: "kitchen", Channel: 3},
	{ID: "heatpump", Channel: 7, Unit: "W"},
}

func TestEnisticParser_RequiresIdentityBeforeReadings(t *testing.T) {
	p := newEnisticParser(enisticMeters)
	record := []byte("#D1,2024,x,1234567,y,3\r")

	_, _, ok, err := p.parse(record)
	require.NoError(t, err)
	assert.False(t, ok, "no reading before serial and model are known")

	_, _, _, err = p.parse([]byte("Core:Serial=EN12345\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "EN12345", p.serial)

	_, _, ok, _ = p.parse(record)
	assert.False(t, ok, "model still unknown")

	_, _, _, err = p.parse([]byte("Status:Model=Hub-3\r"))
	require.NoError(t, err)
	assert.Equal(t, "Hub-3", p.model)

	meter, value, ok, err := p.parse(record)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kitchen", meter.ID)
	assert.InDelta(t, 1234.567, value, 1e-9)
}

func TestEnisticParser_Records(t *testing.T) {
	p := newEnisticParser(enisticMeters)
	p.serial, p.model = "EN1", "Hub"

	_, _, ok, err := p.parse([]byte("D1,a,b,500,c,99"))
	require.NoError(t, err)
	assert.False(t, ok, "unknown channels are ignored")

	_, _, _, err = p.parse([]byte("D1,a,b"))
	assert.ErrorIs(t, err, ErrDecode)

	_, _, _, err = p.parse([]byte("D1,a,b,none,c,3"))
	assert.ErrorIs(t, err, ErrDecode)

	meter, value, ok, err := p.parse([]byte("xxD1,a,b,mW=2000,c,ch7"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "heatpump", meter.ID)
	assert.InDelta(t, 2.0, value, 1e-9)
}

func TestEnistic_ServeEmitsReadings(t *testing.T) {
	p, err := NewEnistic(config.PollerConfig{Name: "hub", Type: "enistic", Host: "127.0.0.1", Port: 1, Meters: enisticMeters}, Deps{Logger: zap.NewNop()})
	require.NoError(t, err)
	e := p.(*Enistic)

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{}
	done := make(chan error, 1)
	go func() { done <- e.serve(ctx, conn, c.emit) }()

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	for _, msg := range []string{"Core:Serial=EN1\r", "Status:Model=Hub\r", "garbage D1,", "D1,a,b,3000,c,7"} {
		_, err := sender.Write([]byte(msg))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	r := c.snapshot()[0]
	assert.Equal(t, "hub", r.Source)
	assert.Equal(t, "heatpump", r.ID)
	assert.Equal(t, "W", r.Unit)
	assert.InDelta(t, 3.0, r.Reading, 1e-9)
}

func TestNewEnistic_RejectsSharedChannel(t *testing.T) {
	_, err := NewEnistic(config.PollerConfig{
		Name: "hub", Port: 4000,
		Meters: []config.MeterConfig{{ID: "a", Channel: 1}, {ID: "b", Channel: 1}},
	}, Deps{Logger: zap.NewNop()})
	assert.ErrorIs(t, err, config.ErrInvalid)
}
