package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/septivank/meter-tariff-worker/internal/logging"
	"github.com/septivank/meter-tariff-worker/internal/metrics"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"go.uber.org/zap"
)

const (
	enisticReadTimeout = time.Second
	enisticBufferSize  = 4096
)

var (
	enisticSerial = regexp.MustCompile(`Core:Serial=(.+?)\r`)
	enisticModel  = regexp.MustCompile(`Status:Model=(.+?)\r`)
)

// enisticParser tracks the identity announced by an Enistic hub and turns its
// D1 records into readings
type enisticParser struct {
	serial   string
	model    string
	channels map[int]config.MeterConfig
}

func newEnisticParser(meters []config.MeterConfig) *enisticParser {
	channels := make(map[int]config.MeterConfig, len(meters))
	for _, m := range meters {
		channels[m.Channel] = m
	}
	return &enisticParser{channels: channels}
}

// parse handles one datagram. It returns a reading for a D1 record on a
// configured channel once the hub has announced its serial and model.
func (p *enisticParser) parse(data []byte) (config.MeterConfig, float64, bool, error) {
	index := bytes.Index(data, []byte("D1"))
	if index >= 0 && p.serial != "" && p.model != "" {
		tokens := strings.Split(string(data[index:]), ",")
		if len(tokens) < 6 {
			return config.MeterConfig{}, 0, false, fmt.Errorf("%w: D1 record with %d fields", ErrDecode, len(tokens))
		}
		value, err := digits(tokens[3])
		if err != nil {
			return config.MeterConfig{}, 0, false, err
		}
		channel, err := digits(tokens[5])
		if err != nil {
			return config.MeterConfig{}, 0, false, err
		}
		meter, ok := p.channels[int(channel)]
		if !ok {
			return config.MeterConfig{}, 0, false, nil
		}
		return meter, float64(value) / 1000, true, nil
	}

	text := string(data)
	if m := enisticSerial.FindStringSubmatch(text); m != nil {
		p.serial = m[1]
	} else if m := enisticModel.FindStringSubmatch(text); m != nil {
		p.model = m[1]
	}
	return config.MeterConfig{}, 0, false, nil
}

// digits reads the decimal digits of a token, ignoring everything else
func digits(token string) (int64, error) {
	var b strings.Builder
	for _, r := range token {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, fmt.Errorf("%w: no digits in %q", ErrDecode, token)
	}
	v, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return v, nil
}

// Enistic listens for the UDP broadcasts of an Enistic energy hub
type Enistic struct {
	name   string
	listen string
	parser *enisticParser
	logger *zap.Logger
	now    func() time.Time
}

// NewEnistic creates an Enistic listener bound to host:port (host defaults to
// all interfaces)
func NewEnistic(cfg config.PollerConfig, deps Deps) (Poller, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("%w: poller %q needs a port", config.ErrInvalid, cfg.Name)
	}
	seen := make(map[int]string)
	for _, m := range cfg.Meters {
		if other, ok := seen[m.Channel]; ok {
			return nil, fmt.Errorf("%w: poller %q meters %q and %q share channel %d",
				config.ErrInvalid, cfg.Name, other, m.ID, m.Channel)
		}
		seen[m.Channel] = m.ID
	}

	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return &Enistic{
		name:   cfg.Name,
		listen: net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		parser: newEnisticParser(cfg.Meters),
		logger: logging.WithUnit(deps.Logger, cfg.Name),
		now:    time.Now,
	}, nil
}

func (e *Enistic) Name() string { return e.name }

// Run receives datagrams until ctx is cancelled
func (e *Enistic) Run(ctx context.Context, emit Emit) error {
	conn, err := net.ListenPacket("udp4", e.listen)
	if err != nil {
		return fmt.Errorf("enistic %s: listen on %s: %w", e.name, e.listen, err)
	}
	defer conn.Close()

	e.logger.Info("enistic listener started", zap.String("listen", conn.LocalAddr().String()))
	return e.serve(ctx, conn, emit)
}

func (e *Enistic) serve(ctx context.Context, conn net.PacketConn, emit Emit) error {
	buf := make([]byte, enisticBufferSize)
	for ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(enisticReadTimeout)); err != nil {
			return fmt.Errorf("enistic %s: set deadline: %w", e.name, err)
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("enistic %s: receive: %w", e.name, err)
		}

		meter, value, ok, err := e.parser.parse(buf[:n])
		if err != nil {
			metrics.ObserveDecodeError(e.name)
			e.logger.Warn("discarding enistic record", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		metrics.ObservePollerCycle(e.name, "ok")
		r := model.MeterReading{
			Time:    e.now().UnixMilli(),
			Source:  e.name,
			ID:      meter.ID,
			Reading: value,
			Unit:    unitOr(meter.Unit, "watts"),
		}
		if err := emit(ctx, r); err != nil {
			return err
		}
	}

	e.logger.Info("enistic listener stopped")
	return nil
}
