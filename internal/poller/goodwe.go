package poller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/septivank/meter-tariff-worker/internal/logging"
	"github.com/septivank/meter-tariff-worker/internal/metrics"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"go.uber.org/zap"
)

// GoodWe session states
type sessionState int

const (
	stateOffline sessionState = iota
	stateIdentified
	stateRunning
)

func (s sessionState) String() string {
	switch s {
	case stateIdentified:
		return "identified"
	case stateRunning:
		return "running"
	default:
		return "offline"
	}
}

const (
	defaultGoodWeInterval = 10 * time.Second
	defaultOfflineTimeout = 30 * time.Second
	goodWeResponseTimeout = 500 * time.Millisecond
	goodWeBufferSize      = 1024
	defaultSendRetries    = 100
	defaultSendRetryDelay = 10 * time.Second
	spuriousLoadPower     = 250000

	defaultAPAddress       = 0x7F
	defaultInverterAddress = 0xB0
)

// GoodWe polls a GoodWe inverter over UDP broadcast. Discovery (offline and
// id queries) is repeated whenever the session is older than the offline
// timeout so a rebooted or readdressed inverter is picked up again.
type GoodWe struct {
	name           string
	target         *net.UDPAddr
	interval       time.Duration
	offlineTimeout time.Duration
	sendRetries    int
	sendRetryDelay time.Duration
	meters         []config.MeterConfig
	logger         *zap.Logger
	now            func() time.Time

	conn      net.PacketConn
	peer      net.Addr
	state     sessionState
	stateTime time.Time
	ap        byte
	inverter  byte
	id        inverterID
}

// NewGoodWe creates a GoodWe poller. Host may be an address or a CIDR block,
// queries go to its broadcast address.
func NewGoodWe(cfg config.PollerConfig, deps Deps) (Poller, error) {
	broadcast, err := broadcastAddress(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: poller %q: %v", config.ErrInvalid, cfg.Name, err)
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("%w: poller %q needs a port", config.ErrInvalid, cfg.Name)
	}
	for _, m := range cfg.Meters {
		if !isKnownRunReading(m.Reading) {
			return nil, fmt.Errorf("%w: poller %q meter %q has unknown reading %q", config.ErrInvalid, cfg.Name, m.ID, m.Reading)
		}
	}

	retries, err := strconv.Atoi(cfg.Param("send_retries", strconv.Itoa(defaultSendRetries)))
	if err != nil {
		return nil, fmt.Errorf("%w: poller %q send_retries: %v", config.ErrInvalid, cfg.Name, err)
	}
	retryDelay, err := time.ParseDuration(cfg.Param("send_retry_delay", defaultSendRetryDelay.String()))
	if err != nil {
		return nil, fmt.Errorf("%w: poller %q send_retry_delay: %v", config.ErrInvalid, cfg.Name, err)
	}

	return &GoodWe{
		name:           cfg.Name,
		target:         &net.UDPAddr{IP: broadcast.AsSlice(), Port: cfg.Port},
		interval:       durationOr(cfg.Interval, defaultGoodWeInterval),
		offlineTimeout: durationOr(cfg.OfflineTimeout, defaultOfflineTimeout),
		sendRetries:    retries,
		sendRetryDelay: retryDelay,
		meters:         cfg.Meters,
		logger:         logging.WithUnit(deps.Logger, cfg.Name),
		now:            time.Now,
		ap:             defaultAPAddress,
		inverter:       defaultInverterAddress,
	}, nil
}

func (g *GoodWe) Name() string { return g.name }

// Run queries the inverter every interval until ctx is cancelled
func (g *GoodWe) Run(ctx context.Context, emit Emit) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("goodwe %s: open socket: %w", g.name, err)
	}
	g.conn = conn
	g.peer = g.target
	defer conn.Close()

	g.logger.Info("goodwe poller started", zap.String("target", g.target.String()))

	for {
		if err := g.cycle(ctx, emit); err != nil {
			if ctx.Err() != nil {
				break
			}
			metrics.ObservePollerCycle(g.name, "fatal")
			return err
		}
		if !sleep(ctx, g.interval) {
			break
		}
	}

	g.logger.Info("goodwe poller stopped")
	return nil
}

// cycle runs discovery when needed, then one data query
func (g *GoodWe) cycle(ctx context.Context, emit Emit) error {
	if g.state != stateOffline && g.now().Sub(g.stateTime) > g.offlineTimeout {
		g.setState(stateOffline)
	}

	if g.state == stateOffline {
		if _, err := g.query(ctx, ccRegister, fcQueryOffline); err != nil {
			return err
		}
		if _, err := g.query(ctx, ccRead, fcQueryID); err != nil {
			return err
		}
		// stateTime restarts even when the inverter stayed silent so that
		// discovery is retried after the offline timeout
		if g.id.Serial != "" && g.id.Model != "" {
			g.setState(stateIdentified)
		} else {
			g.stateTime = g.now()
		}
	}

	values, err := g.query(ctx, ccRead, fcQueryRun)
	if err != nil {
		return err
	}
	if values == nil {
		metrics.ObservePollerCycle(g.name, "no_data")
		return nil
	}
	if g.state == stateIdentified {
		g.setState(stateRunning)
	}

	spurious := values["LoadPower"] > spuriousLoadPower
	if spurious {
		metrics.ObservePollerCycle(g.name, "spurious")
		g.logger.Warn("dropping spurious LoadPower value", zap.Float64("load_power", values["LoadPower"]))
	} else {
		metrics.ObservePollerCycle(g.name, "ok")
	}

	ts := g.now().UnixMilli()
	for _, m := range g.meters {
		if spurious && readsLoadPower(m.Reading) {
			continue
		}
		value, unit, ok := runReading(m.Reading, values)
		if !ok {
			continue
		}
		r := model.MeterReading{
			Time:    ts,
			Source:  g.name,
			ID:      m.ID,
			Reading: value,
			Unit:    unitOr(m.Unit, unitOr(unit, "watts")),
		}
		if err := emit(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (g *GoodWe) setState(s sessionState) {
	if g.state != s {
		g.logger.Info("goodwe session state changed",
			zap.Stringer("from", g.state), zap.Stringer("to", s))
	}
	g.state = s
	g.stateTime = g.now()
	// rediscovery broadcasts again, the inverter may have a new address
	if s == stateOffline {
		g.peer = g.target
	}
}

// query sends one request and waits for its response. Run values are
// returned only for a run query that was answered. Timeouts and malformed
// responses end the wait without an error; socket failures are returned.
func (g *GoodWe) query(ctx context.Context, control, function byte) (map[string]float64, error) {
	if err := g.send(ctx, queryFrame(g.inverter, g.ap, control, function)); err != nil {
		return nil, err
	}

	buf := make([]byte, goodWeBufferSize)
	for {
		if err := g.conn.SetReadDeadline(time.Now().Add(goodWeResponseTimeout)); err != nil {
			return nil, fmt.Errorf("goodwe %s: set deadline: %w", g.name, err)
		}
		n, addr, err := g.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, nil
			}
			return nil, fmt.Errorf("goodwe %s: receive: %w", g.name, err)
		}

		resp, err := g.accept(buf[:n])
		if err != nil {
			metrics.ObserveDecodeError(g.name)
			g.logger.Warn("discarding inverter response", zap.Error(err), zap.Uint8("query", function))
			return nil, nil
		}
		g.peer = addr

		switch resp.Function {
		case fcResponseOffline:
			g.ap, g.inverter = resp.Dst, resp.Src
			if function == fcQueryOffline {
				return nil, nil
			}
		case fcResponseID:
			id, err := decodeID(resp.Payload)
			if err != nil {
				metrics.ObserveDecodeError(g.name)
				g.logger.Warn("discarding id response", zap.Error(err))
				return nil, nil
			}
			g.id = id
			if function == fcQueryID {
				g.logger.Info("inverter identified",
					zap.String("model", id.Model),
					zap.String("serial", id.Serial),
					zap.String("firmware", id.Firmware))
				return nil, nil
			}
		case fcResponseRun:
			values, err := decodeRun(resp.Payload)
			if err != nil {
				metrics.ObserveDecodeError(g.name)
				g.logger.Warn("discarding run response", zap.Error(err))
				return nil, nil
			}
			// readings need a known identity
			if function == fcQueryRun {
				if g.id.Serial == "" || g.id.Model == "" {
					return nil, nil
				}
				return values, nil
			}
		case fcResponseIgnored:
		default:
			metrics.ObserveDecodeError(g.name)
			g.logger.Warn("unexpected inverter response",
				zap.Uint8("function", resp.Function), zap.Uint8("query", function))
			return nil, nil
		}
	}
}

// accept decodes a datagram and checks it is addressed from the inverter to
// the access point. Offline responses carry new addresses and skip the check.
func (g *GoodWe) accept(buf []byte) (frame, error) {
	f, err := decodeFrame(buf)
	if err != nil {
		return frame{}, err
	}
	if f.Function != fcResponseOffline && (f.Dst != g.ap || f.Src != g.inverter) {
		return frame{}, fmt.Errorf("%w: frame from %02x to %02x, expected %02x to %02x",
			ErrDecode, f.Src, f.Dst, g.inverter, g.ap)
	}
	return f, nil
}

// send writes a datagram, retrying socket errors before giving up
func (g *GoodWe) send(ctx context.Context, msg []byte) error {
	for attempt := 1; ; attempt++ {
		_, err := g.conn.WriteTo(msg, g.peer)
		if err == nil {
			return nil
		}
		if attempt > g.sendRetries {
			return fmt.Errorf("goodwe %s: unable to send to inverter after %d attempts: %w", g.name, attempt, err)
		}
		g.logger.Info("send to inverter failed, retrying",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", g.sendRetryDelay))
		if !sleep(ctx, g.sendRetryDelay) {
			return ctx.Err()
		}
	}
}

// broadcastAddress returns the IPv4 broadcast address of host, which is a
// plain address (treated as /32) or a CIDR block
func broadcastAddress(host string) (netip.Addr, error) {
	if host == "" {
		return netip.Addr{}, fmt.Errorf("host is required")
	}

	var prefix netip.Prefix
	if p, err := netip.ParsePrefix(host); err == nil {
		prefix = p
	} else {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("invalid host %q", host)
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}
	if !prefix.Addr().Is4() {
		return netip.Addr{}, fmt.Errorf("host %q is not IPv4", host)
	}

	b := prefix.Masked().Addr().As4()
	hostBits := 32 - prefix.Bits()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if hostBits > 0 {
		v |= (uint32(1) << hostBits) - 1
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), nil
}
